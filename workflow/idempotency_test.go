package workflow_test

import (
	"errors"
	"testing"

	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/testutil"
	"github.com/mmdatafocus/hours_backend/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginIdempotencyLifecycle(t *testing.T) {
	db := testutil.NewDB(t)

	skip, err := workflow.BeginIdempotency(db, "reconcile", "pubsub_sync", "msg-1")
	require.NoError(t, err)
	assert.False(t, skip)

	// Redelivery while the first attempt is still running.
	_, err = workflow.BeginIdempotency(db, "reconcile", "pubsub_sync", "msg-1")
	assert.ErrorIs(t, err, workflow.ErrIdempotencyInProgress)

	runId := uint(7)
	require.NoError(t, workflow.MarkIdempotencySucceeded(db, "reconcile", "pubsub_sync", "msg-1", &runId))

	skip, err = workflow.BeginIdempotency(db, "reconcile", "pubsub_sync", "msg-1")
	require.NoError(t, err)
	assert.True(t, skip)

	var key models.IdempotencyKey
	require.NoError(t, db.Where("message_id = ?", "msg-1").First(&key).Error)
	require.NotNil(t, key.SyncRunId)
	assert.EqualValues(t, 7, *key.SyncRunId)
}

func TestBeginIdempotencyRetriesAfterFailure(t *testing.T) {
	db := testutil.NewDB(t)

	_, err := workflow.BeginIdempotency(db, "reconcile", "pubsub_sync", "msg-2")
	require.NoError(t, err)
	require.NoError(t, workflow.MarkIdempotencyFailed(db, "reconcile", "pubsub_sync", "msg-2", errors.New("upstream down")))

	skip, err := workflow.BeginIdempotency(db, "reconcile", "pubsub_sync", "msg-2")
	require.NoError(t, err)
	assert.False(t, skip)

	var key models.IdempotencyKey
	require.NoError(t, db.Where("message_id = ?", "msg-2").First(&key).Error)
	assert.Equal(t, models.IdempotencyStatusStarted, key.Status)
	assert.Nil(t, key.LastError)
}
