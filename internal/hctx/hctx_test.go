package hctx

import (
	"context"
	"testing"

	"github.com/UniQw/jobq/internal/rdb"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	progress [][]byte
	lines    []string
}

func (r *recorder) UpdateProgress(_ context.Context, p []byte) error {
	r.progress = append(r.progress, p)
	return nil
}

func (r *recorder) AddLog(_ context.Context, line string) error {
	r.lines = append(r.lines, line)
	return nil
}

func TestState_NewAndWithFrom(t *testing.T) {
	rec := &recorder{}
	st := New("q", &rdb.JobRecord{ID: "1"}, rec)
	st.SetResult([]byte("x"))

	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok, "From should find state")
	require.Same(t, st, got, "should retrieve the same pointer")
	require.Equal(t, []byte("x"), got.Result())
	require.Equal(t, "1", got.Job.ID)

	require.NoError(t, got.Reporter.AddLog(ctx, "hello"))
	require.Equal(t, []string{"hello"}, rec.lines)
}

func TestState_From_Absent(t *testing.T) {
	st, ok := From(context.Background())
	require.False(t, ok)
	require.Nil(t, st)

	var nilState *State
	_, ok = From(WithState(context.Background(), nilState))
	require.False(t, ok)
}
