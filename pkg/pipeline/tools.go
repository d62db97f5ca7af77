package pipeline

import (
	"fmt"
	"time"

	"github.com/3leaps/imputeflow/pkg/scheduler"
)

// DefaultTools are the argv templates each submitted stage runs.
func DefaultTools() map[Name][]string {
	return map[Name][]string{
		Preprocess: {
			"plink", "--bfile", "{raw}",
			"--geno", "0.05", "--maf", "0.01", "--hwe", "1e-6",
			"--make-bed", "--out", "{qc}",
		},
		PartitionSplit: {
			"plink", "--bfile", "{qc}", "--chr", "{chr}", "--make-bed", "--out", "{split_work}",
		},
		Phase: {
			"shapeit",
			"--input-bed", "{split}.bed", "{split}.bim", "{split}.fam",
			"--input-map", "{map}",
			"--output-max", "{haps}", "{sample}",
			"--output-log", "{phase_log}",
			"--thread", "{cpus}",
		},
		Impute: {
			"impute2", "-use_prephased_g",
			"-known_haps_g", "{haps}",
			"-h", "{ref_haps}", "-l", "{ref_legend}", "-m", "{map}",
			"-int", "{start}", "{end}", "-Ne", "20000",
			"-o", "{seg_out}",
		},
		Concatenate: {
			"{self}", "helper", "concat",
			"--dir", "{seg_dir}", "--pattern", "{seg_pattern}", "--out", "{concat}",
		},
		SortEncode: {
			"{self}", "helper", "encode", "--in", "{concat}", "--out", "{encoded}",
		},
		FormatConvert: {
			"qctool", "-g", "{encoded}", "-s", "{sample}", "-og", "{vcf}",
		},
		Merge: {
			"bcftools", "concat", "-Oz", "-o", "{merged}", "{inputs}",
		},
	}
}

// DefaultResources are the per-task requests of each stage.
func DefaultResources() map[Name]scheduler.Resources {
	return map[Name]scheduler.Resources{
		Preprocess:     {CPUs: 1, MemoryMB: 8192, Walltime: 4 * time.Hour},
		PartitionSplit: {CPUs: 1, MemoryMB: 4096, Walltime: 2 * time.Hour},
		Phase:          {CPUs: 8, MemoryMB: 16384, Walltime: 48 * time.Hour},
		Impute:         {CPUs: 1, MemoryMB: 8192, Walltime: 24 * time.Hour},
		Concatenate:    {CPUs: 1, MemoryMB: 2048, Walltime: 2 * time.Hour},
		SortEncode:     {CPUs: 1, MemoryMB: 8192, Walltime: 6 * time.Hour},
		FormatConvert:  {CPUs: 1, MemoryMB: 8192, Walltime: 12 * time.Hour},
		Merge:          {CPUs: 4, MemoryMB: 8192, Walltime: 12 * time.Hour},
	}
}

// CompileTools compiles templates, filling stages missing from overrides
// with the defaults.
func CompileTools(overrides map[Name][]string) (map[Name]*Command, error) {
	out := make(map[Name]*Command)
	defaults := DefaultTools()
	for _, st := range Submitted() {
		argv := defaults[st.Name]
		if o, ok := overrides[st.Name]; ok && len(o) > 0 {
			argv = o
		}
		cmd, err := CompileCommand(argv)
		if err != nil {
			return nil, fmt.Errorf("tools.%s: %w", st.Name, err)
		}
		out[st.Name] = cmd
	}
	for name := range overrides {
		if st, ok := Lookup(name); !ok || st.Granularity == Local {
			return nil, fmt.Errorf("tools.%s: not a submitted stage", name)
		}
	}
	return out, nil
}
