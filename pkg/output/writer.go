package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits run events. Implementations are safe for concurrent use and
// write each record as exactly one line.
type Writer interface {
	WriteStage(ctx context.Context, stage *StageRecord) error
	WriteSubmit(ctx context.Context, submit *SubmitRecord) error
	WritePoll(ctx context.Context, poll *PollRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

var _ Writer = (*JSONLWriter)(nil)

// JSONLWriter stamps every payload with the run's correlation fields and
// appends it to w as one JSON line.
type JSONLWriter struct {
	w       io.Writer
	runID   string
	dataset string
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter writes records for runID/dataset to w.
func NewJSONLWriter(w io.Writer, runID, dataset string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, dataset: dataset, now: time.Now}
}

func (jw *JSONLWriter) WriteStage(ctx context.Context, stage *StageRecord) error {
	return jw.emit(ctx, TypeStage, stage)
}

func (jw *JSONLWriter) WriteSubmit(ctx context.Context, submit *SubmitRecord) error {
	return jw.emit(ctx, TypeSubmit, submit)
}

func (jw *JSONLWriter) WritePoll(ctx context.Context, poll *PollRecord) error {
	return jw.emit(ctx, TypePoll, poll)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.emit(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.emit(ctx, TypeSummary, sum)
}

// Close rejects further writes. The underlying writer stays open; its
// owner closes it.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, typ string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(Record{
		Type:    typ,
		TS:      jw.now().UTC(),
		RunID:   jw.runID,
		Dataset: jw.dataset,
		Data:    data,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeFull(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeFull retries short writes so a record is never truncated mid-line.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
