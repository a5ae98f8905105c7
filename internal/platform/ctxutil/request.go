package ctxutil

import (
	"context"

	"github.com/fluxgate/workflowcore/internal/domain/workflow"
)

type requestDataKey struct{}

// RequestData carries the decoded auth principal for the lifetime of one
// HTTP request, set by middleware.RequireAuth and read back by handlers that
// need to stamp created_by/updated_by or check workflow.Principal.HasRole.
type RequestData struct {
	Principal workflow.Principal
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	val := ctx.Value(requestDataKey{})
	if rd, ok := val.(*RequestData); ok {
		return rd
	}
	return nil
}
