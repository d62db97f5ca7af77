package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/imputeflow/pkg/scheduler"
)

// Placeholders understood by command templates. {task} is passed through
// untouched for the scheduler to expand.
var placeholders = map[string]string{
	"prefix":      "dataset prefix",
	"ref":         "reference panel identifier",
	"self":        "path of the imputeflow executable",
	"work":        "working folder",
	"chr_dir":     "chromosome store folder",
	"output":      "output folder",
	"cpus":        "CPUs requested per task",
	"mem_mb":      "memory requested per task in MB",
	"raw":         "input plink fileset prefix",
	"qc":          "preprocessed plink fileset prefix",
	"chr":         "chromosome number",
	"split":       "per-chromosome plink fileset prefix",
	"split_work":  "per-chromosome plink fileset prefix in the working folder",
	"phased":      "phased haplotype prefix",
	"haps":        "phased haplotypes",
	"sample":      "phased sample file",
	"phase_log":   "phasing log",
	"map":         "genetic map",
	"ref_haps":    "reference haplotypes",
	"ref_legend":  "reference legend",
	"seg_dir":     "segment output folder",
	"seg_pattern": "segment output pattern",
	"seg_out":     "segment output",
	"start":       "segment start base",
	"end":         "segment end base",
	"offset":      "segment offset in megabases",
	"concat":      "concatenated imputation output",
	"encoded":     "sorted and compressed imputation output",
	"vcf":         "per-chromosome VCF",
	"merged":      "merged VCF",
	"inputs":      "list of per-chromosome VCFs (whole argument only)",
}

// listPlaceholders expand to several arguments and must stand alone.
var listPlaceholders = map[string]bool{"inputs": true}

// Placeholders returns the template vocabulary, sorted by name.
func Placeholders() []string {
	out := make([]string, 0, len(placeholders)+1)
	for name, desc := range placeholders {
		out = append(out, "{"+name+"}: "+desc)
	}
	out = append(out, scheduler.TaskPlaceholder+": array task index")
	sort.Strings(out)
	return out
}

type argPart interface {
	append(dst *strings.Builder, v Vars) error
}

type literalPart string

type varPart string

func (p literalPart) append(dst *strings.Builder, _ Vars) error {
	dst.WriteString(string(p))
	return nil
}

func (p varPart) append(dst *strings.Builder, v Vars) error {
	val, ok := v.Scalars[string(p)]
	if !ok {
		return fmt.Errorf("placeholder {%s} is not available here", p)
	}
	dst.WriteString(val)
	return nil
}

// Vars are the values a template renders with.
type Vars struct {
	Scalars map[string]string
	Lists   map[string][]string
}

func (v Vars) with(kv ...string) Vars {
	out := Vars{Scalars: make(map[string]string, len(v.Scalars)+len(kv)/2), Lists: v.Lists}
	for k, val := range v.Scalars {
		out.Scalars[k] = val
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out.Scalars[kv[i]] = kv[i+1]
	}
	return out
}

// Command is a compiled argv template.
//
// Each argument may mix literal text and {name} placeholders. "{{" and "}}"
// produce literal braces.
type Command struct {
	raw  []string
	args [][]argPart
	list []string
}

// CompileCommand parses argv.
func CompileCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("command is empty")
	}
	c := &Command{raw: append([]string(nil), argv...)}
	for _, arg := range argv {
		trimmed := strings.TrimSpace(arg)
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && listPlaceholders[trimmed[1:len(trimmed)-1]] {
			c.args = append(c.args, nil)
			c.list = append(c.list, trimmed[1:len(trimmed)-1])
			continue
		}
		parts, err := compileArg(arg)
		if err != nil {
			return nil, err
		}
		c.args = append(c.args, parts)
		c.list = append(c.list, "")
	}
	return c, nil
}

// MustCompileCommand is CompileCommand for built-in templates.
func MustCompileCommand(argv ...string) *Command {
	c, err := CompileCommand(argv)
	if err != nil {
		panic(err)
	}
	return c
}

func compileArg(arg string) ([]argPart, error) {
	var parts []argPart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, literalPart(lit.String()))
			lit.Reset()
		}
	}

	s := arg
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "{{"):
			lit.WriteByte('{')
			s = s[2:]
		case strings.HasPrefix(s, "}}"):
			lit.WriteByte('}')
			s = s[2:]
		case s[0] == '{':
			end := strings.IndexByte(s, '}')
			if end == -1 {
				return nil, fmt.Errorf("unclosed placeholder in %q", arg)
			}
			name := s[1:end]
			s = s[end+1:]
			if "{"+name+"}" == scheduler.TaskPlaceholder {
				lit.WriteString(scheduler.TaskPlaceholder)
				continue
			}
			if _, ok := placeholders[name]; !ok {
				return nil, fmt.Errorf("unknown placeholder {%s} in %q", name, arg)
			}
			if listPlaceholders[name] {
				return nil, fmt.Errorf("placeholder {%s} must be a whole argument", name)
			}
			flush()
			parts = append(parts, varPart(name))
		default:
			lit.WriteByte(s[0])
			s = s[1:]
		}
	}
	flush()
	return parts, nil
}

// Render expands the template.
func (c *Command) Render(v Vars) ([]string, error) {
	out := make([]string, 0, len(c.args))
	for i, parts := range c.args {
		if name := c.list[i]; name != "" {
			vals, ok := v.Lists[name]
			if !ok {
				return nil, fmt.Errorf("placeholder {%s} is not available here", name)
			}
			out = append(out, vals...)
			continue
		}
		var b strings.Builder
		for _, p := range parts {
			if err := p.append(&b, v); err != nil {
				return nil, err
			}
		}
		out = append(out, b.String())
	}
	return out, nil
}

// Raw returns the uncompiled template.
func (c *Command) Raw() []string {
	return append([]string(nil), c.raw...)
}
