package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
	assert.Equal(t, "cohortA", w.dataset)
}

func decodeOne(t *testing.T, buf *bytes.Buffer, v any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.NoError(t, json.Unmarshal(record.Data, v))
	return record
}

func TestJSONLWriter_WriteStage(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	err := w.WriteStage(context.Background(), &StageRecord{
		Stage:   "impute",
		Ordinal: 4,
		Status:  StageStarted,
		Units:   30,
		Skipped: 12,
	})
	require.NoError(t, err)

	var data StageRecord
	record := decodeOne(t, &buf, &data)
	assert.Equal(t, TypeStage, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "cohortA", record.Dataset)
	assert.False(t, record.TS.IsZero())

	assert.Equal(t, "impute", data.Stage)
	assert.Equal(t, 30, data.Units)
	assert.Equal(t, 12, data.Skipped)
}

func TestJSONLWriter_WriteSubmit(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	err := w.WriteSubmit(context.Background(), &SubmitRecord{
		Stage: "phase",
		JobID: "1001",
		Name:  "if0a1b2c3d_phase",
		Tasks: 22,
	})
	require.NoError(t, err)

	var data SubmitRecord
	record := decodeOne(t, &buf, &data)
	assert.Equal(t, TypeSubmit, record.Type)
	assert.Equal(t, "1001", data.JobID)
	assert.Equal(t, 22, data.Tasks)
	assert.NotContains(t, buf.String(), "after_ok")
}

func TestJSONLWriter_WritePoll(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	err := w.WritePoll(context.Background(), &PollRecord{
		Stage:     "impute",
		Cycle:     3,
		State:     "polling",
		Pending:   40,
		Running:   60,
		Uncertain: "squeue: timed out",
	})
	require.NoError(t, err)

	var data PollRecord
	record := decodeOne(t, &buf, &data)
	assert.Equal(t, TypePoll, record.Type)
	assert.Equal(t, 3, data.Cycle)
	assert.Equal(t, 40, data.Pending)
	assert.Equal(t, "squeue: timed out", data.Uncertain)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeValidation,
		Message: "concatenate: expected 22, found 21",
		Stage:   "concatenate",
		Details: map[string]any{"found": 21},
	})
	require.NoError(t, err)

	var data ErrorRecord
	record := decodeOne(t, &buf, &data)
	assert.Equal(t, TypeError, record.Type)
	assert.Equal(t, ErrCodeValidation, data.Code)
	assert.Equal(t, "concatenate", data.Stage)
	assert.NotNil(t, data.Details)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		State:         "succeeded",
		StagesRun:     []string{"concatenate", "merge"},
		StagesSkipped: []string{"preprocess"},
		JobsSubmitted: 2,
		TasksTotal:    23,
		Artifacts:     []ArtifactSummary{{Stage: "merge", Artifacts: 1, Bytes: 10737418240}},
		Duration:      30 * time.Second,
		DurationHuman: "30s",
	})
	require.NoError(t, err)

	var data SummaryRecord
	record := decodeOne(t, &buf, &data)
	assert.Equal(t, TypeSummary, record.Type)
	assert.Equal(t, "succeeded", data.State)
	assert.Equal(t, 23, data.TasksTotal)
	require.Len(t, data.Artifacts, 1)
	assert.Equal(t, int64(10737418240), data.Artifacts[0].Bytes)
	assert.Equal(t, 30*time.Second, data.Duration)
	assert.Equal(t, "30s", data.DurationHuman)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	require.NoError(t, w.WriteStage(context.Background(), &StageRecord{Stage: "preprocess"}))
	require.NoError(t, w.WriteStage(context.Background(), &StageRecord{Stage: "partition-split"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	for _, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	require.NoError(t, w.Close())

	err := w.WriteStage(context.Background(), &StageRecord{Stage: "merge"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WritePoll(context.Background(), &PollRecord{
					Stage: "impute",
					Cycle: writerID*writesPerWriter + j,
				})
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "cohortA")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteStage(ctx, &StageRecord{Stage: "merge"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123", "cohortA")

	err := w.WriteStage(context.Background(), &StageRecord{Stage: "merge"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123", "cohortA")

	err := w.WriteSubmit(context.Background(), &SubmitRecord{
		Stage:   "impute",
		JobID:   "1042",
		Name:    "if0a1b2c3d_impute",
		Unit:    "chr21.20",
		Tasks:   1,
		Command: []string{"impute2", "-int", "20000001", "21000000"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeSubmit, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123", "cohortA")

	err := w.WriteStage(context.Background(), &StageRecord{Stage: "merge"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter simulates an io.Writer that performs short writes.
// It writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecord_JSONSerialization(t *testing.T) {
	record := Record{
		Type:    TypeStage,
		TS:      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		RunID:   "abc123",
		Dataset: "cohortA",
		Data:    json.RawMessage(`{"stage":"merge","ordinal":8,"status":"satisfied"}`),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, TypeStage, parsed["type"])
	assert.Equal(t, "abc123", parsed["run_id"])
	assert.Equal(t, "cohortA", parsed["dataset"])
	assert.NotNil(t, parsed["ts"])
	assert.NotNil(t, parsed["data"])
}

func TestStageRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(StageRecord{Stage: "cleanup", Ordinal: 9, Status: StageSatisfied})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "reason")
	assert.NotContains(t, string(data), "units")
	assert.NotContains(t, string(data), "duration_ns")
}
