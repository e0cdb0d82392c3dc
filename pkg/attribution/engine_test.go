package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestEngine(t *testing.T) (*GormEngine, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	engine := NewGormEngine(db, 7*24*time.Hour)
	require.NoError(t, engine.AutoMigrate())
	return engine, db
}

func submission(id, code string) *models.CanonicalIntake {
	return &models.CanonicalIntake{SubmissionID: id, Email: "jane@x.com", Phone: "5551234567", ReferralCode: code}
}

func TestAttributeExplicitCode(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	aff, err := engine.CreateAffiliate(ctx, "spring24", "Dr. Smith")
	require.NoError(t, err)

	res, err := engine.Attribute(ctx, uuid.New(), submission("s1", " Spring24 "))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.TierExplicit, res.Tier)
	assert.Equal(t, aff.ID.String(), res.AffiliateID)
	assert.Equal(t, "SPRING24", res.Code)

	_, err = engine.Attribute(ctx, uuid.New(), submission("s1", "SPRING24"))
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&Attribution{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "one attribution row per submission")
}

func TestAttributeUnknownCodeIsTagOnly(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctxA := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	ctxB := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	_, err := engine.CreateAffiliate(ctxA, "ALPHA", "A")
	require.NoError(t, err)

	res, err := engine.Attribute(ctxB, uuid.New(), submission("s1", "alpha"))
	require.NoError(t, err)
	assert.Equal(t, models.TierTagOnly, res.Tier, "affiliates are tenant scoped")
	assert.Empty(t, res.AffiliateID)
}

func TestAttributeInferredFromTouch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	aff, err := engine.CreateAffiliate(ctx, "GYM", "Gym partner")
	require.NoError(t, err)

	require.NoError(t, engine.RecordTouch(ctx, aff, "", "5551234567", time.Now().Add(-24*time.Hour)))

	res, err := engine.Attribute(ctx, uuid.New(), submission("s1", ""))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.TierInferred, res.Tier)
	assert.Equal(t, "GYM", res.Code)
}

func TestAttributeIgnoresStaleTouchesAndPlaceholders(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	aff, err := engine.CreateAffiliate(ctx, "OLD", "Old")
	require.NoError(t, err)
	require.NoError(t, engine.RecordTouch(ctx, aff, "jane@x.com", "", time.Now().Add(-30*24*time.Hour)))

	res, err := engine.Attribute(ctx, uuid.New(), submission("s1", ""))
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = engine.Attribute(ctx, uuid.New(), &models.CanonicalIntake{
		SubmissionID: "s2",
		Email:        models.PlaceholderEmail("s2"),
		Phone:        models.PlaceholderPhone,
	})
	require.NoError(t, err)
	assert.Nil(t, res)
}
