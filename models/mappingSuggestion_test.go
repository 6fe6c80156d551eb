package models_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/testutil"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type suggestionFixture struct {
	projectID string
	entryID   string
	taskID    string
}

func seedSuggestionFixture(t *testing.T, db *gorm.DB) suggestionFixture {
	t.Helper()
	ctx := context.Background()
	f := suggestionFixture{
		projectID: utils.DeriveID(utils.IDKindProject, "P1"),
		entryID:   utils.DeriveID(utils.IDKindHourEntry, "H-1"),
		taskID:    utils.DeriveID(utils.IDKindTask, "P1", "PH-1", "", "T-1"),
	}
	require.NoError(t, models.UpsertEntities(ctx, db, "projects", []models.Project{{ID: f.projectID, ExternalId: "P1"}}, models.WriteOptions{}).Err)
	require.NoError(t, models.UpsertEntities(ctx, db, "tasks", []models.Task{{ID: f.taskID, ProjectId: f.projectID, Name: "Design", IsActive: true}}, models.WriteOptions{}).Err)
	require.NoError(t, models.UpsertEntities(ctx, db, "hour_entries", []models.HourEntry{{
		ID: f.entryID, ExternalId: "H-1", ProjectId: f.projectID, Hours: decimal.NewFromInt(3), ChargeCode: "design work",
	}}, models.WriteOptions{}).Err)
	return f
}

func createOne(t *testing.T, db *gorm.DB, f suggestionFixture) *models.MappingSuggestion {
	t.Helper()
	n, err := models.CreatePendingSuggestions(context.Background(), db, nil, []models.NewSuggestion{{
		ProjectId: f.projectID, HourEntryId: f.entryID, TaskId: f.taskID, Confidence: 0.6, Reasoning: "task name found in charge text",
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	list, err := models.ListSuggestions(context.Background(), db, models.SuggestionFilter{ProjectId: f.projectID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestApplySuggestionLinksHourEntry(t *testing.T) {
	db := testutil.NewDB(t)
	f := seedSuggestionFixture(t, db)
	s := createOne(t, db, f)

	applied, err := models.ApplySuggestion(context.Background(), db, s.ID, "reviewer@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStatusApplied, applied.Status)
	assert.NotNil(t, applied.ResolvedAt)

	var entry models.HourEntry
	require.NoError(t, db.Where("id = ?", f.entryID).First(&entry).Error)
	require.NotNil(t, entry.TaskId)
	assert.Equal(t, f.taskID, *entry.TaskId)
	assert.Equal(t, "reviewer@example.com", entry.LinkedBy)
	require.NotNil(t, entry.MatchConfidence)
	assert.InDelta(t, 0.6, *entry.MatchConfidence, 1e-9)
	assert.Equal(t, "task name found in charge text", entry.MatchReasoning)
}

func TestApplySuggestionRejectsRetiredTask(t *testing.T) {
	db := testutil.NewDB(t)
	f := seedSuggestionFixture(t, db)
	s := createOne(t, db, f)
	require.NoError(t, db.Model(&models.Task{}).Where("id = ?", f.taskID).Update("is_active", false).Error)

	_, err := models.ApplySuggestion(context.Background(), db, s.ID, "reviewer")
	require.ErrorIs(t, err, models.ErrTaskNotLinkable)

	var entry models.HourEntry
	require.NoError(t, db.Where("id = ?", f.entryID).First(&entry).Error)
	assert.Nil(t, entry.TaskId)

	pending, err := models.ListSuggestions(context.Background(), db, models.SuggestionFilter{Status: models.SuggestionStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, s.ID, pending[0].ID)

	_, err = models.DismissSuggestion(context.Background(), db, s.ID, "reviewer")
	assert.NoError(t, err, "a stale suggestion can still be dismissed")
}

func TestDismissedSuggestionCannotBeApplied(t *testing.T) {
	db := testutil.NewDB(t)
	f := seedSuggestionFixture(t, db)
	s := createOne(t, db, f)

	_, err := models.DismissSuggestion(context.Background(), db, s.ID, "reviewer")
	require.NoError(t, err)

	_, err = models.ApplySuggestion(context.Background(), db, s.ID, "reviewer")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	var entry models.HourEntry
	require.NoError(t, db.Where("id = ?", f.entryID).First(&entry).Error)
	assert.Nil(t, entry.TaskId)
}

func TestConcurrentApplyHasOneWinner(t *testing.T) {
	db := testutil.NewDB(t)
	f := seedSuggestionFixture(t, db)
	s := createOne(t, db, f)

	const callers = 2
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = models.ApplySuggestion(context.Background(), db, s.ID, "reviewer")
		}(i)
	}
	wg.Wait()

	var ok, resolved int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrAlreadyResolved):
			resolved++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, resolved)
}

func TestApplyUnknownSuggestion(t *testing.T) {
	db := testutil.NewDB(t)
	_, err := models.ApplySuggestion(context.Background(), db, "missing", "reviewer")
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
}

func TestCreatePendingSuggestionsSkipsExistingPairs(t *testing.T) {
	db := testutil.NewDB(t)
	f := seedSuggestionFixture(t, db)
	s := createOne(t, db, f)
	_, err := models.DismissSuggestion(context.Background(), db, s.ID, "reviewer")
	require.NoError(t, err)

	n, err := models.CreatePendingSuggestions(context.Background(), db, nil, []models.NewSuggestion{{
		ProjectId: f.projectID, HourEntryId: f.entryID, TaskId: f.taskID, Confidence: 0.6,
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a dismissed pair is not re-proposed")

	pending, err := models.ListSuggestions(context.Background(), db, models.SuggestionFilter{Status: models.SuggestionStatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	pairs, err := models.ExistingSuggestionPairs(context.Background(), db, []string{f.projectID})
	require.NoError(t, err)
	assert.True(t, pairs[models.SuggestionPairKey(f.entryID, f.taskID)])
}
