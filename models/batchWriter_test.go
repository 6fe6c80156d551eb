package models_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/testutil"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func sampleEmployees(n int) []models.Employee {
	out := make([]models.Employee, 0, n)
	for i := 0; i < n; i++ {
		ext := fmt.Sprintf("E-%04d", i)
		out = append(out, models.Employee{
			ID:         utils.DeriveID(utils.IDKindEmployee, ext),
			ExternalId: ext,
			Name:       fmt.Sprintf("Worker %d", i),
			Email:      fmt.Sprintf("worker%d@example.com", i),
			HourlyRate: decimal.NewFromInt(int64(40 + i%5)),
			IsActive:   i%7 != 0,
			SyncedAt:   testutil.FixedNow,
		})
	}
	return out
}

func hashTable[T any](t *testing.T, db *gorm.DB) string {
	t.Helper()
	var rows []T
	require.NoError(t, db.Order("id").Find(&rows).Error)
	b, err := json.Marshal(rows)
	require.NoError(t, err)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestUpsertEntitiesIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	rows := sampleEmployees(120)

	first := models.UpsertEntities(ctx, db, "employees", rows, models.WriteOptions{BatchSize: 50, Workers: 3})
	require.NoError(t, first.Err)
	assert.Equal(t, 120, first.Written)
	assert.Equal(t, 3, first.Batches)
	assert.Equal(t, -1, first.FailedBatch)
	before := hashTable[models.Employee](t, db)

	second := models.UpsertEntities(ctx, db, "employees", rows, models.WriteOptions{BatchSize: 50, Workers: 3})
	require.NoError(t, second.Err)
	after := hashTable[models.Employee](t, db)

	assert.Equal(t, before, after)
	var count int64
	require.NoError(t, db.Model(&models.Employee{}).Count(&count).Error)
	assert.EqualValues(t, 120, count)
}

func TestUpsertEntitiesLastWriterWinsPerColumn(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	rows := sampleEmployees(2)
	require.NoError(t, models.UpsertEntities(ctx, db, "employees", rows, models.WriteOptions{}).Err)

	rows[0].Email = ""
	rows[0].Name = "Renamed"
	require.NoError(t, models.UpsertEntities(ctx, db, "employees", rows[:1], models.WriteOptions{}).Err)

	var got models.Employee
	require.NoError(t, db.Where("id = ?", rows[0].ID).First(&got).Error)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "", got.Email)
}

func TestUpsertEntitiesKeepsPreservedColumns(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	project := models.Project{ID: utils.DeriveID(utils.IDKindProject, "P1"), ExternalId: "P1", Name: "Rollout", IsActive: true}
	require.NoError(t, models.UpsertEntities(ctx, db, "projects", []models.Project{project}, models.WriteOptions{}).Err)

	entry := models.HourEntry{
		ID:         utils.DeriveID(utils.IDKindHourEntry, "H-1"),
		ExternalId: "H-1",
		ProjectId:  project.ID,
		Hours:      decimal.NewFromInt(4),
		ChargeCode: "Design",
	}
	opts := models.WriteOptions{PreserveColumns: models.HourEntryLinkColumns}
	require.NoError(t, models.UpsertEntities(ctx, db, "hour_entries", []models.HourEntry{entry}, opts).Err)
	require.NoError(t, db.Model(&models.HourEntry{}).Where("id = ?", entry.ID).Update("task_id", "WP_P1_x").Error)

	entry.Hours = decimal.NewFromInt(5)
	require.NoError(t, models.UpsertEntities(ctx, db, "hour_entries", []models.HourEntry{entry}, opts).Err)

	var got models.HourEntry
	require.NoError(t, db.Where("id = ?", entry.ID).First(&got).Error)
	require.NotNil(t, got.TaskId)
	assert.Equal(t, "WP_P1_x", *got.TaskId)
	assert.True(t, got.Hours.Equal(decimal.NewFromInt(5)))
}

func TestUpsertEntitiesFailFastPerTable(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	rows := sampleEmployees(150)
	failID := rows[60].ID

	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_batch", func(d *gorm.DB) {
		batch, ok := d.Statement.Dest.(*[]models.Employee)
		if !ok {
			return
		}
		for _, r := range *batch {
			if r.ID == failID {
				_ = d.AddError(errors.New("rejected by datastore"))
				return
			}
		}
	}))

	res := models.UpsertEntities(ctx, db, "employees", rows, models.WriteOptions{BatchSize: 50, Workers: 1})
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.FailedBatch)
	assert.Equal(t, rows[50].ID, res.SampleID)
	assert.Equal(t, 50, res.Written)
	assert.True(t, utils.IsKind(res.Err, utils.ErrorKindWrite))

	var count int64
	require.NoError(t, db.Model(&models.Employee{}).Count(&count).Error)
	assert.EqualValues(t, 50, count, "batches after the failing one must not run")

	// Other tables in the same run are unaffected.
	project := models.Project{ID: utils.DeriveID(utils.IDKindProject, "P1"), ExternalId: "P1"}
	assert.NoError(t, models.UpsertEntities(ctx, db, "projects", []models.Project{project}, models.WriteOptions{}).Err)
}

func TestUpsertEntitiesClampsBatchSize(t *testing.T) {
	db := testutil.NewDB(t)
	res := models.UpsertEntities(context.Background(), db, "employees", sampleEmployees(120), models.WriteOptions{BatchSize: 10})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Batches)
}

func TestHardDeleteIsBlocked(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	rows := sampleEmployees(1)
	require.NoError(t, models.UpsertEntities(ctx, db, "employees", rows, models.WriteOptions{}).Err)

	err := db.WithContext(ctx).Delete(&models.Employee{}, "id = ?", rows[0].ID).Error
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Employee{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
