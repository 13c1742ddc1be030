package jobq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_StringAndParse(t *testing.T) {
	require.Equal(t, "waiting-children", StateWaitingChildren.String())
	for _, s := range []string{"waiting", "active", "delayed", "prioritized", "waiting-children", "completed", "failed"} {
		st, err := ParseState(s)
		require.NoError(t, err, s)
		require.Equal(t, s, st.String())
	}
	_, err := ParseState("weird")
	require.ErrorIs(t, err, ErrUnknownState)
	_, err = ParseState("unknown")
	require.ErrorIs(t, err, ErrUnknownState, "unknown is reported, never accepted")
}
