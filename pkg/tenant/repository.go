package tenant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/phi"
	"gorm.io/gorm"
)

var ErrClinicNotFound = errors.New("clinic not found")

type Repository struct {
	db     *gorm.DB
	cipher phi.Cipher
}

func NewRepository(db *gorm.DB, cipher phi.Cipher) *Repository {
	return &Repository{db: db, cipher: cipher}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Clinic{})
}

type CreateClinicInput struct {
	Name       string
	Subdomain  string
	Credential string
}

func (r *Repository) CreateClinic(ctx context.Context, input CreateClinicInput) (Clinic, error) {
	encrypted, err := r.cipher.Encrypt(input.Credential)
	if err != nil {
		return Clinic{}, err
	}
	now := time.Now().UTC()
	clinic := Clinic{
		ID:                uuid.New(),
		Name:              strings.TrimSpace(input.Name),
		Subdomain:         strings.ToLower(strings.TrimSpace(input.Subdomain)),
		WebhookCredential: encrypted,
		WebhookTokenHash:  HashToken(input.Credential),
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.db.WithContext(ctx).Create(&clinic).Error; err != nil {
		return Clinic{}, err
	}
	return clinic, nil
}

func (r *Repository) FindBySubdomain(ctx context.Context, subdomain string) (Clinic, error) {
	return r.first(ctx, "subdomain = ?", strings.ToLower(strings.TrimSpace(subdomain)))
}

func (r *Repository) FindByTokenHash(ctx context.Context, hash string) (Clinic, error) {
	if hash == "" {
		return Clinic{}, ErrClinicNotFound
	}
	return r.first(ctx, "webhook_token_hash = ?", hash)
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (Clinic, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *Repository) first(ctx context.Context, query string, arg interface{}) (Clinic, error) {
	var clinic Clinic
	err := r.db.WithContext(ctx).Where(query, arg).Where("active = ?", true).First(&clinic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Clinic{}, ErrClinicNotFound
	}
	if err != nil {
		return Clinic{}, err
	}
	return clinic, nil
}

// Credential returns the clinic's decrypted webhook credential.
func (r *Repository) Credential(clinic Clinic) string {
	if clinic.WebhookCredential == "" {
		return ""
	}
	return r.cipher.Decrypt(clinic.WebhookCredential)
}
