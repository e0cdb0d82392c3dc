package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/phi"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"github.com/xuri/excelize/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(params.Body)
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func sampleIntake() *models.CanonicalIntake {
	return &models.CanonicalIntake{
		SubmissionID: "sub-1",
		Source:       "formsort",
		FirstName:    "Ann",
		LastName:     "Lee",
		DOB:          "1990-02-03",
		Email:        "ann@example.com",
		Phone:        "5551234567",
		Gender:       "F",
		Address:      models.Address{Line1: "1 Main St", City: "Austin", State: "TX"},
		Treatment:    "weight_loss",
		Complete:     true,
		Sections: []models.Section{
			{Title: "Patient Information", Answers: []models.Answer{{Question: "first_name", Answer: "Ann"}}},
			{Title: "Intake Questions", Answers: []models.Answer{{Question: "goal_weight", Answer: "150"}}},
		},
	}
}

func TestXLSXRendererWritesPatientAndSections(t *testing.T) {
	art, err := NewXLSXRenderer().Render(context.Background(), sampleIntake())
	require.NoError(t, err)
	assert.Equal(t, "sub-1.xlsx", art.Name)
	assert.Equal(t, ContentTypeXLSX, art.ContentType)

	f, err := excelize.OpenReader(bytes.NewReader(art.Data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)

	flat := map[string]string{}
	var headers []string
	for _, row := range rows {
		switch len(row) {
		case 1:
			headers = append(headers, row[0])
		case 2:
			flat[row[0]] = row[1]
		}
	}
	assert.Equal(t, []string{"Patient", "Patient Information", "Intake Questions"}, headers)
	assert.Equal(t, "Ann Lee", flat["Name"])
	assert.Equal(t, "1 Main St, Austin, TX", flat["Address"])
	assert.Equal(t, "complete", flat["Status"])
	assert.Equal(t, "150", flat["goal_weight"])
}

func TestXLSXRendererHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewXLSXRenderer().Render(ctx, sampleIntake())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestS3StorePut(t *testing.T) {
	up := &fakeUploader{}
	store := NewS3Store(up, "intake-docs")

	key := ObjectKey("tenant-a", "sub-1")
	assert.Equal(t, "intake/tenant-a/sub-1.xlsx", key)

	loc, err := store.Put(context.Background(), key, Artifact{Data: []byte("xlsx"), ContentType: ContentTypeXLSX})
	require.NoError(t, err)
	assert.Equal(t, "s3://intake-docs/intake/tenant-a/sub-1.xlsx", loc)
	require.Len(t, up.inputs, 1)
	assert.Equal(t, "intake-docs", *up.inputs[0].Bucket)
	assert.Equal(t, []byte("xlsx"), up.bodies[0])
}

func TestObjectKeyStaysUnderTenantPrefix(t *testing.T) {
	for _, id := range []string{"../victim/sub_target", "a/b", "..", ".hidden", "sub..x", "", "sub 1"} {
		key := ObjectKey("tenant-a", id)
		assert.True(t, strings.HasPrefix(key, "intake/tenant-a/h_"), "id %q became %q", id, key)
		assert.Equal(t, 2, strings.Count(key, "/"), "id %q became %q", id, key)
		assert.NotContains(t, key, "..")
	}
	assert.Equal(t, ObjectKey("tenant-a", "../victim/x"), ObjectKey("tenant-a", "../victim/x"))
	assert.NotEqual(t, ObjectKey("tenant-a", "../victim/x"), ObjectKey("tenant-a", "../victim/y"))
	assert.Equal(t, "intake/tenant-a/sub_01.v2-x.xlsx", ObjectKey("tenant-a", "sub_01.v2-x"))
}

func TestS3StoreErrors(t *testing.T) {
	_, err := (*S3Store)(nil).Put(context.Background(), "k", Artifact{})
	assert.ErrorIs(t, err, ErrStoreDisabled)

	boom := errors.New("access denied")
	_, err = NewS3Store(&fakeUploader{err: boom}, "b").Put(context.Background(), "k", Artifact{})
	assert.ErrorIs(t, err, boom)
}

func setupRepo(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	cipher, err := phi.NewAEADCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	repo := NewRepository(db, cipher)
	require.NoError(t, repo.AutoMigrate())
	return repo, db
}

func TestRepositoryUpsertIsOnePerSubmission(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	sections := sampleIntake().Sections

	first := &Record{SubmissionID: "sub-1", PatientID: uuid.New(), Status: StatusUploadFailed, Sections: sections}
	require.NoError(t, repo.Upsert(ctx, first))

	second := &Record{SubmissionID: "sub-1", PatientID: first.PatientID, Status: StatusStored, Location: "s3://b/k", Sections: sections}
	require.NoError(t, repo.Upsert(ctx, second))
	assert.Equal(t, first.ID, second.ID, "redelivery reports the stored row id")

	got, err := repo.FindBySubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, StatusStored, got.Status)
	assert.Equal(t, "s3://b/k", got.Location)
	assert.Equal(t, sections, got.Sections)

	other := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	_, err = repo.FindBySubmission(other, "sub-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRepositorySealsSections(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := tenant.WithTenant(context.Background(), tenant.Clinic{ID: uuid.New()})
	intake := sampleIntake()
	require.NoError(t, repo.Upsert(ctx, &Record{SubmissionID: "sub-2", Sections: intake.Sections}))

	var raw string
	require.NoError(t, db.Raw("SELECT sections FROM documents WHERE submission_id = ?", "sub-2").Scan(&raw).Error)
	assert.True(t, strings.HasPrefix(raw, "enc:v1:"), raw)
	assert.NotContains(t, raw, "goal_weight")
}

func TestRepositoryRequiresTenant(t *testing.T) {
	repo, _ := setupRepo(t)
	err := repo.Upsert(context.Background(), &Record{SubmissionID: "x"})
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
}
