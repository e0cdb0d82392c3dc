package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNoTenant = errors.New("no tenant bound to context")

type ctxKey struct{}

// WithTenant stamps the resolved clinic on ctx. The stamp lives only as long
// as the request context.
func WithTenant(ctx context.Context, clinic Clinic) context.Context {
	return context.WithValue(ctx, ctxKey{}, clinic)
}

func FromContext(ctx context.Context) (Clinic, bool) {
	clinic, ok := ctx.Value(ctxKey{}).(Clinic)
	return clinic, ok && clinic.ID != uuid.Nil
}

// IDFrom returns the tenant id every scoped query must filter on.
func IDFrom(ctx context.Context) (uuid.UUID, error) {
	clinic, ok := FromContext(ctx)
	if !ok {
		return uuid.Nil, ErrNoTenant
	}
	return clinic.ID, nil
}
