package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/checkpoint"
	"manifold/internal/kg/checkpoint/memcheckpoint"
)

func TestLoadReturnsNotFoundWhenAbsent(t *testing.T) {
	s := memcheckpoint.New()
	_, ok, err := s.Load(context.Background(), "job-1", "fp-a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadResumesOnMatchingFingerprint(t *testing.T) {
	s := memcheckpoint.New()
	require.NoError(t, s.Save(context.Background(), checkpoint.State{
		JobID: "job-1", InputFingerprint: "fp-a", LastCompletedIdx: 3, LastByteOffset: 1200,
	}))

	st, ok, err := s.Load(context.Background(), "job-1", "fp-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, st.LastCompletedIdx)
}

func TestLoadRejectsFingerprintMismatch(t *testing.T) {
	s := memcheckpoint.New()
	require.NoError(t, s.Save(context.Background(), checkpoint.State{
		JobID: "job-1", InputFingerprint: "fp-a", LastCompletedIdx: 3,
	}))

	_, ok, err := s.Load(context.Background(), "job-1", "fp-b")
	require.ErrorIs(t, err, checkpoint.ErrFingerprintMismatch)
	require.False(t, ok)
}

func TestClearRemovesState(t *testing.T) {
	s := memcheckpoint.New()
	require.NoError(t, s.Save(context.Background(), checkpoint.State{JobID: "job-1", InputFingerprint: "fp-a"}))
	require.NoError(t, s.Clear(context.Background(), "job-1"))

	_, ok, err := s.Load(context.Background(), "job-1", "fp-a")
	require.NoError(t, err)
	require.False(t, ok)
}
