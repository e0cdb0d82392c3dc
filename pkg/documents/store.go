package documents

import (
	"bytes"
	"context"
	"errors"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrStoreDisabled = errors.New("document store not configured")

type ObjectStore interface {
	Put(ctx context.Context, key string, a Artifact) (string, error)
}

// Uploader is the slice of the S3 client the store needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client Uploader
	bucket string
}

func NewS3Store(client Uploader, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// NewS3StoreFromEnv builds a store from the default AWS credential chain.
func NewS3StoreFromEnv(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket), nil
}

var safeSegment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ObjectKey is where a submission's document lives. Submission ids come from
// the payload, so any id that is not a plain file name is replaced by its
// digest and can never leave the tenant's prefix.
func ObjectKey(tenantID, submissionID string) string {
	return "intake/" + keySegment(tenantID) + "/" + keySegment(submissionID) + ".xlsx"
}

func keySegment(s string) string {
	if safeSegment.MatchString(s) && !strings.Contains(s, "..") {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "h_" + hex.EncodeToString(sum[:16])
}

func (s *S3Store) Put(ctx context.Context, key string, a Artifact) (string, error) {
	if s == nil || s.client == nil || s.bucket == "" {
		return "", ErrStoreDisabled
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(a.Data),
		ContentType:          aws.String(a.ContentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
