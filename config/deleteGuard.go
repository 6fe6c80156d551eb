package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/hours_backend/appctx"
	"gorm.io/gorm"
)

var ErrHardDeleteBlocked = errors.New("hard delete is not allowed on this table")

// retainedTables are never physically deleted: canonical entities are merged,
// suggestions and alerts are audit records.
var retainedTables = map[string]bool{
	"employees":           true,
	"projects":            true,
	"phases":              true,
	"tasks":               true,
	"hour_entries":        true,
	"task_dependencies":   true,
	"mapping_suggestions": true,
	"alert_events":        true,
	"sync_runs":           true,
	"sync_errors":         true,
}

// DeleteGuardPlugin rejects DELETE statements against retained tables.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. Those are not used against retained tables.
// - Internal maintenance can bypass via appctx.ContextKeyAllowHardDelete.
type DeleteGuardPlugin struct{}

func NewDeleteGuardPlugin() *DeleteGuardPlugin { return &DeleteGuardPlugin{} }

func (p *DeleteGuardPlugin) Name() string { return "delete_guard" }

func (p *DeleteGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Delete().Before("gorm:delete").Register("delete_guard:delete", deleteGuardCallback)
}

func deleteGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	if shouldAllowHardDelete(db.Statement.Context) {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if retainedTables[table] {
		_ = db.AddError(fmt.Errorf("%w: %s", ErrHardDeleteBlocked, table))
	}
}

func shouldAllowHardDelete(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := ctx.Value(appctx.ContextKeyAllowHardDelete).(bool)
	return ok && v
}
