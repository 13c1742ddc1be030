package jobq

import (
	"context"
	"fmt"

	"github.com/UniQw/jobq/internal/hctx"
)

// JobFromContext returns the job a handler is running. It reports false if
// the context is not provided by the jobq runtime.
func JobFromContext(ctx context.Context) (*Job, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st.Job == nil {
		return nil, false
	}
	return jobFromRecord(st.Queue, st.Job), true
}

// SetProgress encodes p with the default JSON encoder and stores it as the
// progress of the current job, emitting a progress event.
// It is a no-op if the context is not provided by the jobq runtime.
func SetProgress(ctx context.Context, p any) error {
	st, ok := hctx.From(ctx)
	if !ok || st.Reporter == nil {
		return nil
	}
	b, err := defaultEncoder.Encode(p)
	if err != nil {
		return err
	}
	return st.Reporter.UpdateProgress(ctx, b)
}

// Log appends a formatted line to the logs of the current job.
// It is a no-op if the context is not provided by the jobq runtime.
func Log(ctx context.Context, format string, args ...any) error {
	st, ok := hctx.From(ctx)
	if !ok || st.Reporter == nil {
		return nil
	}
	return st.Reporter.AddLog(ctx, fmt.Sprintf(format, args...))
}

// SetResult encodes the provided value using the default JSON encoder and
// attaches it as the handler result. It is safe to call multiple times; last wins.
// It is a no-op if the context is not provided by the jobq runtime.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok {
		return nil
	}
	b, err := defaultEncoder.Encode(v)
	if err != nil {
		return err
	}
	st.SetResult(b)
	return nil
}

// SetResultBytes attaches raw bytes as the handler result without encoding.
// It is a no-op if the context is not provided by the jobq runtime.
func SetResultBytes(ctx context.Context, b []byte) {
	st, ok := hctx.From(ctx)
	if !ok {
		return
	}
	st.SetResult(b)
}
