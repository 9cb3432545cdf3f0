package storage

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/pkg/config"
	apperrors "chatsync/pkg/errors"
	"chatsync/pkg/logger"
)

// breakerState tracks upload health; after maxFailures consecutive errors
// the breaker opens and uploads fail fast until resetTimeout passes
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	uploadTimeout       = 10 * time.Second
)

// MinioUploader stores attachments in a MinIO bucket
type MinioUploader struct {
	client *minio.Client
	bucket string

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

// NewMinioUploader connects to MinIO using the given configuration
func NewMinioUploader(cfg config.MinIOConfig) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStorage, "failed to create MinIO client", err)
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores the file under rooms/<roomID>/<attachmentID><ext> and
// returns the attachment reference to embed in the message
func (u *MinioUploader) Upload(ctx context.Context, f File, roomID uuid.UUID) (domain.FileAttachment, error) {
	if err := u.admit(); err != nil {
		return domain.FileAttachment{}, err
	}

	attachmentID := uuid.New()
	objectName := fmt.Sprintf("rooms/%s/%s%s", roomID, attachmentID, path.Ext(f.Name))

	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	opts := minio.PutObjectOptions{ContentType: f.ContentType}
	info, err := u.client.PutObject(uploadCtx, u.bucket, objectName, f.Reader, f.Size, opts)
	if err != nil {
		u.onFailure(err)
		return domain.FileAttachment{}, apperrors.Wrap(apperrors.ErrCodeStorage, "upload failed", err)
	}
	u.onSuccess()

	return domain.FileAttachment{
		ID:   attachmentID,
		URL:  fmt.Sprintf("/%s/%s", u.bucket, objectName),
		Name: f.Name,
		Size: info.Size,
	}, nil
}

// Delete removes the stored object behind an attachment
func (u *MinioUploader) Delete(ctx context.Context, attachment domain.FileAttachment) error {
	objectName := attachment.URL[len("/"+u.bucket+"/"):]
	err := u.client.RemoveObject(ctx, u.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStorage, "delete failed", err)
	}
	return nil
}

func (u *MinioUploader) admit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == breakerOpen {
		if time.Since(u.lastFailure) < breakerResetTimeout {
			return apperrors.New(apperrors.ErrCodeStorage, "storage circuit breaker is open")
		}
		// Half-open: let one request probe the backend
		u.state = breakerClosed
		u.failures = 0
	}
	return nil
}

func (u *MinioUploader) onSuccess() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures = 0
	u.state = breakerClosed
}

func (u *MinioUploader) onFailure(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures++
	u.lastFailure = time.Now()
	if u.failures >= breakerMaxFailures && u.state != breakerOpen {
		u.state = breakerOpen
		logger.Warn("storage circuit breaker opened",
			zap.Int("failures", u.failures),
			zap.Error(err))
	}
}
