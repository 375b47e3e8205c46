package memjobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/jobstore"
)

func TestSubmitDedupNonTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()

	req := jobstore.SubmitRequest{
		JobType:     jobstore.JobTypeIngestText,
		ContentHash: "sha256:aaaa",
		Ontology:    "X",
		AutoApprove: true,
	}

	id1, dup1, err := s.Submit(ctx, req)
	require.NoError(t, err)
	require.False(t, dup1)

	id2, dup2, err := s.Submit(ctx, req)
	require.NoError(t, err)
	require.True(t, dup2)
	require.Equal(t, id1, id2)
}

func TestSubmitDedupAfterCompletion(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := jobstore.SubmitRequest{
		JobType:     jobstore.JobTypeIngestText,
		ContentHash: "sha256:bbbb",
		Ontology:    "X",
		AutoApprove: true,
	}
	id, _, err := s.Submit(ctx, req)
	require.NoError(t, err)

	require.NoError(t, s.Transition(ctx, id, jobstore.StatusApproved, jobstore.StatusQueued, nil))
	require.NoError(t, s.Transition(ctx, id, jobstore.StatusQueued, jobstore.StatusProcessing, nil))
	require.NoError(t, s.SetResult(ctx, id, &jobstore.Result{Status: jobstore.ResultSucceeded}, nil, jobstore.StatusCompleted))

	id2, dup, err := s.Submit(ctx, req)
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, id, id2)
}

func TestTransitionRejectsStateMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	id, _, err := s.Submit(ctx, jobstore.SubmitRequest{
		JobType: jobstore.JobTypeIngestText, ContentHash: "sha256:cccc", Ontology: "X", AutoApprove: true,
	})
	require.NoError(t, err)

	err = s.Transition(ctx, id, jobstore.StatusProcessing, jobstore.StatusCompleted, nil)
	require.ErrorIs(t, err, jobstore.ErrStateMismatch)
}

func TestClaimNextIsFIFOAndExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, _, err := s.Submit(ctx, jobstore.SubmitRequest{
			JobType: jobstore.JobTypeIngestText, ContentHash: "sha256:" + string(rune('a'+i)),
			Ontology: "X", AutoApprove: true,
		})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	j, err := s.ClaimNext(ctx, "w1", []jobstore.JobType{jobstore.JobTypeIngestText}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, ids[0], j.ID)
	require.Equal(t, jobstore.StatusProcessing, j.Status)

	// Claimed job must not be claimable again.
	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusProcessing, got.Status)
}

func TestExpireOverdue(t *testing.T) {
	s := New()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	id, _, err := s.Submit(ctx, jobstore.SubmitRequest{
		JobType: jobstore.JobTypeIngestText, ContentHash: "sha256:dddd", Ontology: "X",
		AutoApprove: true, ExpiresAt: &past,
	})
	require.NoError(t, err)

	n, err := s.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCancelled, got.Status)
	require.Equal(t, "EXPIRED", got.Error.Message)
}
