package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// ArchiveRef identifies an object published to the final destination
type ArchiveRef struct {
	ID        string `json:"id"`
	AccessURL string `json:"access_url"`
}

// Archive is the final destination of a completed upload. The original is
// published first; a processed variant is attached to it as derived content.
type Archive interface {
	Publish(ctx context.Context, item *pipeline.ContentItem, r io.Reader) (*ArchiveRef, error)
	PublishDerived(ctx context.Context, parentID, variant, fileName string, r io.Reader) (string, error)
}

// ownerID maps a pipeline user id onto a simple-content owner uuid
func ownerID(userID string) uuid.UUID {
	if id, err := uuid.Parse(userID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("user:"+userID))
}

func downloadURL(baseURL, id string) string {
	return fmt.Sprintf("%s/api/v1/contents/%s/download", strings.TrimRight(baseURL, "/"), id)
}

// BlobArchive publishes into a Store under archive/. Used when no
// simple-content service is configured.
type BlobArchive struct {
	store   Store
	baseURL string
}

// NewBlobArchive creates an archive writing to store; access URLs are baseURL/key
func NewBlobArchive(store Store, baseURL string) *BlobArchive {
	return &BlobArchive{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *BlobArchive) Publish(ctx context.Context, item *pipeline.ContentItem, r io.Reader) (*ArchiveRef, error) {
	key := fmt.Sprintf("archive/%s/%s%s", item.UserID, item.ContentID, pipeline.FileExtension(item.FileName, item.ContentType))
	if err := a.store.Put(ctx, key, r); err != nil {
		return nil, fmt.Errorf("failed to archive content: %w", err)
	}
	return &ArchiveRef{ID: key, AccessURL: a.baseURL + "/" + key}, nil
}

func (a *BlobArchive) PublishDerived(ctx context.Context, parentID, variant, fileName string, r io.Reader) (string, error) {
	base := strings.TrimSuffix(parentID, pathExt(parentID))
	key := fmt.Sprintf("%s.%s%s", base, variant, pathExt(fileName))
	if err := a.store.Put(ctx, key, r); err != nil {
		return "", fmt.Errorf("failed to archive derived content: %w", err)
	}
	return key, nil
}

func pathExt(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || strings.ContainsRune(name[i:], '/') {
		return ""
	}
	return name[i:]
}
