// Package storage provides the file-upload collaborator used by file,
// image, and voice messages. Uploads happen before the message hits the
// wire; the message only carries the resulting attachment reference.
package storage

import (
	"context"
	"io"

	"github.com/google/uuid"

	"chatsync/internal/domain"
)

// File is the content handed to an Uploader
type File struct {
	Name        string
	Reader      io.Reader
	Size        int64
	ContentType string
}

// Uploader stores a file and returns the attachment to embed in a message
type Uploader interface {
	Upload(ctx context.Context, f File, roomID uuid.UUID) (domain.FileAttachment, error)
	Delete(ctx context.Context, attachment domain.FileAttachment) error
}
