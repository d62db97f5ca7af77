package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imputeflow/internal/observability"
	"github.com/3leaps/imputeflow/pkg/concat"
)

var helperCmd = &cobra.Command{
	Use:         "helper",
	Short:       "Commands executed inside scheduler jobs",
	Hidden:      true,
	Annotations: map[string]string{skipConfig: "true"},
}

var helperConcatCmd = &cobra.Command{
	Use:   "concat",
	Short: "Concatenate a chromosome's segment outputs in segment order",
	Long: `Concatenate the segment outputs in --dir that match --pattern into --out.

Segments are ordered by their numeric offset, not by name, so segment 10
follows segment 9. The output is written atomically.`,
	Annotations: map[string]string{skipConfig: "true"},
	RunE:        runHelperConcat,
}

var helperEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Sort a concatenated chromosome by position and gzip it",
	Long: `Sort the rows of --in numerically on the position column and write them
gzip-compressed to --out. Rows with equal positions keep their input order.
The output is written atomically.`,
	Annotations: map[string]string{skipConfig: "true"},
	RunE:        runHelperEncode,
}

func init() {
	rootCmd.AddCommand(helperCmd)
	helperCmd.AddCommand(helperConcatCmd)
	helperCmd.AddCommand(helperEncodeCmd)

	helperConcatCmd.Flags().String("dir", "", "Directory holding the segment outputs")
	helperConcatCmd.Flags().String("pattern", "", "Glob selecting the segment outputs")
	helperConcatCmd.Flags().String("out", "", "Output file")
	helperConcatCmd.Flags().Int("min-inputs", 1, "Fail when fewer segments match")

	helperEncodeCmd.Flags().String("in", "", "Concatenated chromosome file")
	helperEncodeCmd.Flags().String("out", "", "Encoded output file")
	helperEncodeCmd.Flags().Int("key-field", concat.PositionField, "1-based column holding the position")
}

func runHelperConcat(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	pattern, _ := cmd.Flags().GetString("pattern")
	out, _ := cmd.Flags().GetString("out")
	minInputs, _ := cmd.Flags().GetInt("min-inputs")

	if dir == "" || pattern == "" || out == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid arguments", fmt.Errorf("--dir, --pattern and --out are required"))
	}

	res, err := concat.Join(commandContext(cmd), concat.Options{
		Dir:       dir,
		Pattern:   pattern,
		Out:       out,
		MinInputs: minInputs,
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Concatenation failed", err)
	}

	observability.CLILogger.Info(fmt.Sprintf("Concatenated %d segment(s) into %s (%s)",
		len(res.Inputs), out, humanize.Bytes(uint64(res.Bytes))),
		zap.Int("inputs", len(res.Inputs)),
		zap.Int64("bytes", res.Bytes),
		zap.String("out", out))
	return nil
}

func runHelperEncode(cmd *cobra.Command, _ []string) error {
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	field, _ := cmd.Flags().GetInt("key-field")

	if in == "" || out == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid arguments", fmt.Errorf("--in and --out are required"))
	}
	if field < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid arguments", fmt.Errorf("--key-field must be >= 1"))
	}

	res, err := concat.Encode(commandContext(cmd), concat.EncodeOptions{In: in, Out: out, KeyField: field})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Encoding failed", err)
	}

	observability.CLILogger.Info(fmt.Sprintf("Encoded %d row(s) into %s", res.Rows, out),
		zap.Int("rows", res.Rows),
		zap.String("uncompressed", humanize.Bytes(uint64(res.Bytes))),
		zap.String("out", out))
	return nil
}
