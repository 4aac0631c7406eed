package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// HTTPArchive publishes completed uploads through the simple-content HTTP API
type HTTPArchive struct {
	baseURL    string
	tenantID   uuid.UUID
	httpClient *http.Client
}

// NewHTTPArchive creates an HTTP-based archive
func NewHTTPArchive(baseURL string, tenantID uuid.UUID) *HTTPArchive {
	return &HTTPArchive{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tenantID:   tenantID,
		httpClient: &http.Client{},
	}
}

// Publish uploads the original via POST /api/v1/contents
func (a *HTTPArchive) Publish(ctx context.Context, item *pipeline.ContentItem, r io.Reader) (*ArchiveRef, error) {
	fields := map[string]string{
		"owner_id":      ownerID(item.UserID).String(),
		"tenant_id":     a.tenantID.String(),
		"name":          item.FileName,
		"document_type": item.ContentType,
		"tags":          string(item.FileType) + ",pipeline:" + item.ContentID,
	}
	id, err := a.upload(ctx, a.baseURL+"/api/v1/contents", fields, item.FileName, r)
	if err != nil {
		return nil, fmt.Errorf("failed to upload content: %w", err)
	}
	return &ArchiveRef{ID: id, AccessURL: downloadURL(a.baseURL, id)}, nil
}

// PublishDerived uploads a variant via POST /api/v1/contents/{id}/derived
func (a *HTTPArchive) PublishDerived(ctx context.Context, parentID, variant, fileName string, r io.Reader) (string, error) {
	fields := map[string]string{
		"derivation_type": variant,
		"variant":         variant,
		"tags":            variant,
	}
	url := fmt.Sprintf("%s/api/v1/contents/%s/derived", a.baseURL, parentID)
	id, err := a.upload(ctx, url, fields, fileName, r)
	if err != nil {
		return "", fmt.Errorf("failed to create derived content: %w", err)
	}
	return id, nil
}

// Exists checks if content exists by content ID via HTTP API
func (a *HTTPArchive) Exists(ctx context.Context, id string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/contents/%s", a.baseURL, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check content: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// upload streams a multipart body so binary content is sent unmodified
func (a *HTTPArchive) upload(ctx context.Context, url string, fields map[string]string, fileName string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		pr.Close()
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("no ID in response")
	}
	return result.ID, nil
}
