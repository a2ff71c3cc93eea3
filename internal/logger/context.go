package logger

import "context"

type contextKey string

const RunIDKey contextKey = "run_id"
const ChainIDKey contextKey = "chain_id"

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

func WithChainID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, ChainIDKey, id)
}

func GetChainID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(ChainIDKey).(uint64)
	return id, ok
}

func contextAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	if id := GetRunID(ctx); id != "" {
		attrs = append(attrs, "run_id", id)
	}
	if id, ok := GetChainID(ctx); ok {
		attrs = append(attrs, "chain_id", id)
	}
	return attrs
}
