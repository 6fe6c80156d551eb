package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmdatafocus/hours_backend/utils"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const (
	MinBatchSize     = 50
	MaxBatchSize     = 500
	DefaultBatchSize = 200
)

// Keyed is a canonical entity addressed by its stable id.
type Keyed interface {
	StableID() string
}

type WriteOptions struct {
	BatchSize int
	Workers   int
	// PreserveColumns are left untouched on conflict (derived or review-owned columns).
	PreserveColumns []string
}

type WriteResult struct {
	Table       string `json:"table"`
	Attempted   int    `json:"attempted"`
	Written     int    `json:"written"`
	Batches     int    `json:"batches"`
	FailedBatch int    `json:"failed_batch"`
	SampleID    string `json:"sample_id,omitempty"`
	Err         error  `json:"-"`
}

func (o WriteOptions) batchSize() int {
	switch {
	case o.BatchSize <= 0:
		return DefaultBatchSize
	case o.BatchSize < MinBatchSize:
		return MinBatchSize
	case o.BatchSize > MaxBatchSize:
		return MaxBatchSize
	}
	return o.BatchSize
}

func (o WriteOptions) workers() int {
	if o.Workers <= 0 {
		return 1
	}
	return o.Workers
}

var upsertSchemaCache sync.Map

// UpsertEntities writes rows in chunks of "insert, on conflict update by id" statements.
// Each chunk is one statement. The first failing chunk stops the remaining chunks of this
// table; rows already written stay. Writing the same rows twice leaves the same state.
func UpsertEntities[T Keyed](ctx context.Context, db *gorm.DB, table string, rows []T, opts WriteOptions) WriteResult {
	res := WriteResult{Table: table, Attempted: len(rows), FailedBatch: -1}
	if len(rows) == 0 {
		return res
	}

	cols, err := upsertColumns(db, &rows[0], opts.PreserveColumns)
	if err != nil {
		res.Err = utils.NewSyncError(utils.ErrorKindWrite, table, "", err)
		return res
	}
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}

	size := opts.batchSize()
	chunks := make([][]T, 0, len(rows)/size+1)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	res.Batches = len(chunks)

	var (
		mu          sync.Mutex
		written     int
		failedBatch = -1
		failErr     error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for i, chunk := range chunks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := db.WithContext(gctx).Table(table).Clauses(onConflict).Create(&chunk).Error; err != nil {
				mu.Lock()
				if failedBatch < 0 || i < failedBatch {
					failedBatch = i
					failErr = err
				}
				mu.Unlock()
				return err
			}
			mu.Lock()
			written += len(chunk)
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	res.Written = written
	if failedBatch >= 0 {
		res.FailedBatch = failedBatch
		res.SampleID = chunks[failedBatch][0].StableID()
		res.Err = utils.NewSyncError(ClassifyWriteError(failErr), table, res.SampleID,
			fmt.Errorf("batch %d of %d: %w", failedBatch+1, len(chunks), failErr))
	} else if waitErr != nil {
		res.Err = utils.NewSyncError(utils.ErrorKindWrite, table, "", waitErr)
	}
	return res
}

// upsertColumns lists every non-key column except creation timestamps and preserved columns.
func upsertColumns(db *gorm.DB, model any, preserve []string) ([]string, error) {
	s, err := schema.Parse(model, &upsertSchemaCache, db.NamingStrategy)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(preserve))
	for _, c := range preserve {
		skip[c] = true
	}
	cols := make([]string, 0, len(s.DBNames))
	for _, name := range s.DBNames {
		f := s.FieldsByDBName[name]
		if f == nil || f.PrimaryKey || f.AutoCreateTime > 0 || skip[name] {
			continue
		}
		cols = append(cols, name)
	}
	return cols, nil
}
