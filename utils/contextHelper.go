package utils

import (
	"context"

	"github.com/mmdatafocus/hours_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyCorrelationId   = appctx.ContextKeyCorrelationId
	ContextKeyRunId           = appctx.ContextKeyRunId
	ContextKeyActor           = appctx.ContextKeyActor
	ContextKeyAllowHardDelete = appctx.ContextKeyAllowHardDelete
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeyRunId)
}

func SetRunIdInContext(ctx context.Context, runId uint) context.Context {
	return appctx.Set(ctx, ContextKeyRunId, runId)
}

// GetActorFromContext returns who triggered the current action ("system" when unset).
func GetActorFromContext(ctx context.Context) string {
	if v, ok := appctx.GetString(ctx, ContextKeyActor); ok && v != "" {
		return v
	}
	return "system"
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, ContextKeyActor, actor)
}

func GetAllowHardDeleteFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyAllowHardDelete)
}

func SetAllowHardDeleteInContext(ctx context.Context, allow bool) context.Context {
	return appctx.Set(ctx, ContextKeyAllowHardDelete, allow)
}
