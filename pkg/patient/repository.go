package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("patient not found")

// Repository scopes every query to the tenant stamped on the context and
// refuses to run without one.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Patient{})
}

func (r *Repository) scoped(ctx context.Context) (*gorm.DB, uuid.UUID, error) {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return r.db.WithContext(ctx).Where("tenant_id = ?", tenantID), tenantID, nil
}

// Window returns the most recently updated patients of the current tenant.
func (r *Repository) Window(ctx context.Context, limit int) ([]Patient, error) {
	q, _, err := r.scoped(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	var patients []Patient
	err = q.Order("updated_at DESC").Limit(limit).Find(&patients).Error
	return patients, err
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (Patient, error) {
	q, _, err := r.scoped(ctx)
	if err != nil {
		return Patient{}, err
	}
	var p Patient
	err = q.Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Patient{}, ErrNotFound
	}
	return p, err
}

// Create inserts p under the context tenant, overriding any TenantID set by
// the caller.
func (r *Repository) Create(ctx context.Context, p *Patient) error {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.TenantID = tenantID
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return r.db.WithContext(ctx).Create(p).Error
}

// Update writes the mutable columns. Tenant and chart number are never part
// of the update set.
func (r *Repository) Update(ctx context.Context, p *Patient) error {
	q, _, err := r.scoped(ctx)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	res := q.Model(&Patient{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"gender":          p.Gender,
		"tags":            p.Tags,
		"notes":           p.Notes,
		"source_metadata": p.SourceMetadata,
		"updated_at":      p.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MaxChartNumber(ctx context.Context) (int64, error) {
	q, _, err := r.scoped(ctx)
	if err != nil {
		return 0, err
	}
	var top int64
	err = q.Model(&Patient{}).Select("COALESCE(MAX(chart_number), 0)").Scan(&top).Error
	return top, err
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	q, _, err := r.scoped(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	err = q.Model(&Patient{}).Count(&count).Error
	return count, err
}
