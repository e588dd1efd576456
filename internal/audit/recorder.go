// ABOUTME: Recorder wraps a sink so audit failures never reach the handshake
// ABOUTME: Stamps attempts, bounds each write, and reports the outcome as a discardable Result

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultWriteTimeout bounds a single append.
const DefaultWriteTimeout = 2 * time.Second

// Result is the outcome of recording one attempt. Callers may inspect it and
// are expected to discard it; it is never an error of the handshake.
type Result struct {
	Attempt Attempt
	Err     error
}

// OK reports whether the attempt reached the sink.
func (r Result) OK() bool {
	return r.Err == nil
}

// Recorder is the only path from a handshake to the attempt log.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a recorder over sink. Failures are reported on logger.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:    sink,
		logger:  logger,
		timeout: DefaultWriteTimeout,
		now:     time.Now,
	}
}

// Record appends a to the sink. The write is detached from ctx cancellation so
// that a shutting-down connection cannot truncate it, and is bounded by the
// recorder timeout instead. Sink errors and panics are logged and returned in
// the Result, never propagated.
func (r *Recorder) Record(ctx context.Context, a Attempt) (res Result) {
	if r == nil || r.sink == nil {
		return Result{Attempt: a}
	}

	if a.Time.IsZero() {
		a.Time = r.now().UTC()
	}
	res.Attempt = a

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("attempt sink panic: %v", p)
			r.logFailure(a, res.Err)
		}
	}()

	if err := r.sink.Append(writeCtx, a); err != nil {
		res.Err = err
		r.logFailure(a, err)
	}
	return res
}

func (r *Recorder) logFailure(a Attempt, err error) {
	r.logger.Error("failed to write attempt log",
		"error", err,
		"device_id", a.DeviceID,
		"remote", a.Remote,
		"status", a.Status,
	)
}
