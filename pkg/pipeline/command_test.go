package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Render(t *testing.T) {
	cmd := MustCompileCommand("shapeit", "--input-bed", "{split}.bed", "--thread", "{cpus}", "--tag={prefix}_{chr}")
	argv, err := cmd.Render(Vars{Scalars: map[string]string{
		"split": "/data/chr/cohort_chr{task}", "cpus": "8", "prefix": "cohort", "chr": "{task}",
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"shapeit", "--input-bed", "/data/chr/cohort_chr{task}.bed", "--thread", "8", "--tag=cohort_{task}"}, argv)
	assert.Equal(t, "{split}.bed", cmd.Raw()[2])
}

func TestCommand_ListPlaceholder(t *testing.T) {
	cmd := MustCompileCommand("bcftools", "concat", "-o", "{merged}", "{inputs}")
	argv, err := cmd.Render(Vars{
		Scalars: map[string]string{"merged": "all.vcf.gz"},
		Lists:   map[string][]string{"inputs": {"a.vcf.gz", "b.vcf.gz"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bcftools", "concat", "-o", "all.vcf.gz", "a.vcf.gz", "b.vcf.gz"}, argv)

	_, err = CompileCommand([]string{"cat", "--in={inputs}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole argument")
}

func TestCommand_EscapesAndTask(t *testing.T) {
	cmd := MustCompileCommand("awk", "{{print $1}}", "part_{task}.txt")
	argv, err := cmd.Render(Vars{})
	require.NoError(t, err)
	assert.Equal(t, []string{"awk", "{print $1}", "part_{task}.txt"}, argv)
}

func TestCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want string
	}{
		{"empty", nil, "empty"},
		{"blank program", []string{" "}, "empty"},
		{"unknown placeholder", []string{"plink", "{bfile}"}, "unknown placeholder {bfile}"},
		{"unclosed", []string{"plink", "{qc"}, "unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileCommand(tt.argv)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cmd := MustCompileCommand("plink", "--chr", "{chr}")
	_, err := cmd.Render(Vars{Scalars: map[string]string{"qc": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{chr} is not available")
}

func TestDefaultTools_Compile(t *testing.T) {
	tools, err := CompileTools(nil)
	require.NoError(t, err)
	assert.Len(t, tools, len(Submitted()))

	tools, err = CompileTools(map[Name][]string{Merge: {"bcftools", "merge", "-o", "{merged}", "{inputs}"}})
	require.NoError(t, err)
	assert.Equal(t, "merge", tools[Merge].Raw()[1])

	assert.Equal(t, []string{"{self}", "helper", "encode", "--in", "{concat}", "--out", "{encoded}"}, tools[SortEncode].Raw())
	tools, err = CompileTools(map[Name][]string{SortEncode: {"sortbed", "{concat}", "{encoded}"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"sortbed", "{concat}", "{encoded}"}, tools[SortEncode].Raw())

	_, err = CompileTools(map[Name][]string{"liftover": {"x"}})
	require.Error(t, err)
	_, err = CompileTools(map[Name][]string{Phase: {"shapeit", "{nope}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tools.phase")
}

func TestPlaceholders_Sorted(t *testing.T) {
	list := Placeholders()
	assert.IsIncreasing(t, list)
	assert.Contains(t, list, "{task}: array task index")
}
