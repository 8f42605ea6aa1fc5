// Package archive copies confirmed changelog entries to object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/seomaster/platform/management/internal/canonical"
	"github.com/seomaster/platform/management/internal/models"
)

type Archiver interface {
	ArchiveChangelog(ctx context.Context, entry models.Changelog) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes canonical changelog JSON to keys like:
//
//	s3://<bucket>/<prefix>/changelog/YYYY/MM/DD/<project>/<id>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS settings from the environment (AWS_REGION, AWS_PROFILE,
// static keys) the way the SDK does by default.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

// ObjectKey is the key an entry is stored under. Entries are partitioned by the
// time they were confirmed, falling back to creation time.
func (s *S3Archiver) ObjectKey(entry models.Changelog) string {
	ts := entry.CreatedAt
	if entry.ConfirmedAt != nil {
		ts = *entry.ConfirmedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(s.prefix, "changelog",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		entry.ProjectID.String(),
		entry.ID.String()+".json",
	)
}

func (s *S3Archiver) ArchiveChangelog(ctx context.Context, entry models.Changelog) (string, error) {
	body, err := canonical.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("canonicalize changelog %s: %w", entry.ID, err)
	}
	key := s.ObjectKey(entry)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"change-id": entry.ChangeID,
			"source":    entry.Source,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

// MemoryArchiver keeps archived entries in memory.
type MemoryArchiver struct {
	mu      sync.Mutex
	entries []models.Changelog
	Err     error
}

func (m *MemoryArchiver) ArchiveChangelog(ctx context.Context, entry models.Changelog) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.entries = append(m.entries, entry)
	return path.Join("memory", entry.ID.String()+".json"), nil
}

func (m *MemoryArchiver) Entries() []models.Changelog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Changelog, len(m.entries))
	copy(out, m.entries)
	return out
}
