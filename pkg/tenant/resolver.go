package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/intake/pkg/common/config"
)

var (
	// ErrTenantMismatch means the resolved clinic differs from the id pinned
	// on the source binding. Never recoverable.
	ErrTenantMismatch = errors.New("resolved tenant does not match expected tenant")
	// ErrTenantUnresolved means a multi-tenant source carried neither a known
	// credential nor a known tenant hint.
	ErrTenantUnresolved = errors.New("tenant could not be resolved")
)

type ClinicStore interface {
	FindBySubdomain(ctx context.Context, subdomain string) (Clinic, error)
	FindByTokenHash(ctx context.Context, hash string) (Clinic, error)
}

type Resolver struct {
	store ClinicStore
}

func NewResolver(store ClinicStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve binds a request to exactly one clinic. Static bindings resolve by
// subdomain. Multi-tenant bindings try the presented credential, then the
// payload hint.
func (r *Resolver) Resolve(ctx context.Context, binding config.SourceBinding, cred Credential, hint string) (Clinic, error) {
	var (
		clinic Clinic
		err    error
	)
	if binding.MultiTenant {
		clinic, err = r.resolveDynamic(ctx, cred, hint)
	} else {
		clinic, err = r.store.FindBySubdomain(ctx, binding.Tenant)
		if err != nil && !errors.Is(err, ErrClinicNotFound) {
			return Clinic{}, fmt.Errorf("resolve tenant %s: %w", binding.Tenant, err)
		}
	}
	if err != nil {
		return Clinic{}, err
	}

	if expected := strings.TrimSpace(binding.ExpectedTenantID); expected != "" && !strings.EqualFold(expected, clinic.ID.String()) {
		return Clinic{}, fmt.Errorf("%w: source %s resolved %s, expected %s", ErrTenantMismatch, binding.Name, clinic.ID, expected)
	}
	return clinic, nil
}

func (r *Resolver) resolveDynamic(ctx context.Context, cred Credential, hint string) (Clinic, error) {
	if cred.Secret != "" {
		clinic, err := r.store.FindByTokenHash(ctx, HashToken(cred.Secret))
		if err == nil {
			return clinic, nil
		}
		if !errors.Is(err, ErrClinicNotFound) {
			return Clinic{}, fmt.Errorf("resolve tenant by credential: %w", err)
		}
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		clinic, err := r.store.FindBySubdomain(ctx, hint)
		if err == nil {
			return clinic, nil
		}
		if !errors.Is(err, ErrClinicNotFound) {
			return Clinic{}, fmt.Errorf("resolve tenant by hint: %w", err)
		}
	}
	return Clinic{}, ErrTenantUnresolved
}
