package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callaudit/pkg/compliance"
	"callaudit/pkg/messaging"
)

func TestPendingStoreDueOrderAndUpdate(t *testing.T) {
	repo := newTestRepository(t)
	store := NewPendingStore(repo.db, repo.logger)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"late", "early", "later"} {
		offsets := []time.Duration{2 * time.Minute, time.Minute, time.Hour}
		require.NoError(t, store.Store(&messaging.PendingMessage{
			ID:           id,
			CallID:       "call_" + id,
			Body:         []byte(`{"call_id":"call_` + id + `"}`),
			CreatedAt:    base,
			AttemptCount: 1,
			NextRetryAt:  base.Add(offsets[i]),
			LastError:    "broker down",
		}))
	}

	due, err := store.Due(base.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)
	assert.Equal(t, base, due[0].CreatedAt)
	assert.Equal(t, "broker down", due[0].LastError)
	assert.JSONEq(t, `{"call_id":"call_early"}`, string(due[0].Body))

	due[0].AttemptCount = 2
	due[0].NextRetryAt = base.Add(2 * time.Hour)
	require.NoError(t, store.Store(due[0]))

	due, err = store.Due(base.Add(5*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "late", due[0].ID)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, store.Delete("late"))
	require.NoError(t, store.Delete("missing"))
	count, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPendingStoreFeedsReportPublisher(t *testing.T) {
	repo := newTestRepository(t)
	store := NewPendingStore(repo.db, repo.logger)

	publisher := messaging.NewReportPublisher(repo.logger, nil, store, nil)
	err := publisher.Consume(context.Background(), sampleReport("call_42", compliance.ModeNormal, false, time.Now()))
	require.Error(t, err)

	assert.Equal(t, 1, publisher.GetPendingCount())
	due, err := store.Due(time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "call_42", due[0].CallID)
	assert.Equal(t, 1, due[0].AttemptCount)
}
