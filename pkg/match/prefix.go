package match

import "strings"

// DerivePrefix extracts the static directory prefix of a glob pattern: the
// part before the first unescaped metacharacter, truncated to the last
// complete path segment. A pattern without metacharacters is its own prefix.
//
//	"chr21/cohort_chr21.*.impute2" → "chr21/"
//	"*.vcf.gz"                     → ""
//	"chr{1,2}/x"                   → ""
//	"cohort.vcf.gz"                → "cohort.vcf.gz"
func DerivePrefix(pattern string) string {
	idx := firstMeta(pattern)
	if idx == -1 {
		return unescape(pattern)
	}
	cut := strings.LastIndex(pattern[:idx], "/")
	if cut < 0 {
		return ""
	}
	return unescape(pattern[:cut+1])
}

// CommonPrefix derives the listing prefix shared by all patterns.
func CommonPrefix(patterns []string) string {
	if len(patterns) == 0 {
		return ""
	}
	common := DerivePrefix(patterns[0])
	for _, p := range patterns[1:] {
		next := DerivePrefix(p)
		for !strings.HasPrefix(next, common) {
			cut := strings.LastIndex(strings.TrimSuffix(common, "/"), "/")
			if cut < 0 {
				return ""
			}
			common = common[:cut+1]
		}
	}
	if !strings.HasSuffix(common, "/") && len(patterns) > 1 {
		cut := strings.LastIndex(common, "/")
		if cut < 0 {
			return ""
		}
		common = common[:cut+1]
	}
	return common
}

func firstMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '*', '?', '[', '{':
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
