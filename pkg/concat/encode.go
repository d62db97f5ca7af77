package concat

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// PositionField is the 1-based column holding the base-pair position in
// impute2 output rows.
const PositionField = 3

// EncodeOptions configures Encode.
type EncodeOptions struct {
	In  string
	Out string
	// KeyField is the 1-based whitespace-separated column sorted on.
	// Defaults to PositionField.
	KeyField int
}

// EncodeResult describes a completed encode.
type EncodeResult struct {
	Rows  int
	Bytes int64
}

type row struct {
	key  int64
	line []byte
}

// Encode sorts the rows of opts.In numerically on the key column and writes
// them gzip-compressed to opts.Out atomically. Rows whose key is not a
// number sort as zero; ties keep input order.
func Encode(ctx context.Context, opts EncodeOptions) (*EncodeResult, error) {
	if strings.TrimSpace(opts.In) == "" || strings.TrimSpace(opts.Out) == "" {
		return nil, fmt.Errorf("input and output paths are required")
	}
	field := opts.KeyField
	if field <= 0 {
		field = PositionField
	}

	rows, err := readRows(ctx, opts.In, field)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	if err := os.MkdirAll(filepath.Dir(opts.Out), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(opts.Out), "."+filepath.Base(opts.Out)+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	zw := gzip.NewWriter(tmp)
	bw := bufio.NewWriter(zw)
	res := &EncodeResult{Rows: len(rows)}
	for _, r := range rows {
		n, err := bw.Write(r.line)
		res.Bytes += int64(n)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", opts.Out, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return nil, fmt.Errorf("write %s: %w", opts.Out, err)
		}
		res.Bytes++
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("flush %s: %w", opts.Out, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, opts.Out); err != nil {
		return nil, fmt.Errorf("rename output: %w", err)
	}
	return res, nil
}

func readRows(ctx context.Context, path string, field int) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var rows []row
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				rows = append(rows, row{key: keyOf(line, field), line: line})
			}
		}
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if len(rows)%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
}

func keyOf(line []byte, field int) int64 {
	fields := bytes.Fields(line)
	if field > len(fields) {
		return 0
	}
	n, err := strconv.ParseInt(string(fields[field-1]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
