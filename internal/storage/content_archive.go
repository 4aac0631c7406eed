package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// ContentArchive publishes completed uploads into a simple-content service
type ContentArchive struct {
	service  simplecontent.Service
	tenantID uuid.UUID
	baseURL  string
}

// NewContentArchive creates an archive backed by service. Access URLs point
// at the simple-content download endpoint under baseURL.
func NewContentArchive(service simplecontent.Service, tenantID uuid.UUID, baseURL string) *ContentArchive {
	return &ContentArchive{
		service:  service,
		tenantID: tenantID,
		baseURL:  baseURL,
	}
}

// Publish uploads the original object and returns its content ID
func (a *ContentArchive) Publish(ctx context.Context, item *pipeline.ContentItem, r io.Reader) (*ArchiveRef, error) {
	content, err := a.service.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:      ownerID(item.UserID),
		TenantID:     a.tenantID,
		Name:         item.FileName,
		DocumentType: item.ContentType,
		Reader:       r,
		FileName:     item.FileName,
		Tags:         []string{string(item.FileType), "pipeline:" + item.ContentID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload content: %w", err)
	}

	id := content.ID.String()
	return &ArchiveRef{ID: id, AccessURL: downloadURL(a.baseURL, id)}, nil
}

// FindDerived returns the id of an existing derivation of variant under
// parentID, or "" when there is none.
func (a *ContentArchive) FindDerived(ctx context.Context, parentID, variant string) (string, error) {
	parent, err := uuid.Parse(parentID)
	if err != nil {
		return "", fmt.Errorf("invalid content ID: %w", err)
	}

	derived, err := a.service.ListDerivedContent(ctx,
		simplecontent.WithParentID(parent),
		simplecontent.WithDerivationType(variant),
	)
	if err != nil {
		return "", fmt.Errorf("failed to list derived content: %w", err)
	}
	for _, d := range derived {
		if d.DerivationType == variant {
			return d.ContentID.String(), nil
		}
	}
	return "", nil
}

// PublishDerived attaches a derived variant to parentID. An existing
// derivation of the same variant is reused so redelivery does not duplicate it.
func (a *ContentArchive) PublishDerived(ctx context.Context, parentID, variant, fileName string, r io.Reader) (string, error) {
	parent, err := uuid.Parse(parentID)
	if err != nil {
		return "", fmt.Errorf("invalid content ID: %w", err)
	}

	existing, err := a.FindDerived(ctx, parentID, variant)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	derived, err := a.service.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       parent,
		DerivationType: variant,
		Variant:        variant,
		Reader:         r,
		FileName:       fileName,
		Tags:           []string{variant},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload derived content: %w", err)
	}

	return derived.ID.String(), nil
}

// Open downloads a published object
func (a *ContentArchive) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	contentID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid content ID: %w", err)
	}
	reader, err := a.service.DownloadContent(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}
	return reader, nil
}
