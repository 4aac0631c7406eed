// Package client talks to the pipeline HTTP API
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// DefaultChunkSize is the chunk size UploadFile uses when none is given
const DefaultChunkSize = 5 << 20

// ErrNotFound is returned when the API has no content for an id
var ErrNotFound = errors.New("content not found")

// StatusError is returned for unexpected HTTP responses
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Client is an HTTP client for the pipeline API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// SubmitChunk uploads one chunk. A REJECTED outcome is returned together
// with a *StatusError.
func (c *Client) SubmitChunk(ctx context.Context, req pipeline.SubmitChunkRequest) (*pipeline.SubmissionResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := map[string]string{
		"userId":      req.UserID,
		"chunkIndex":  strconv.Itoa(req.ChunkIndex),
		"totalChunks": strconv.Itoa(req.TotalChunks),
		"contentId":   req.ContentID,
		"fileName":    req.FileName,
		"contentType": req.ContentType,
		"priority":    string(req.Priority),
	}
	if req.FileSize > 0 {
		fields["fileSize"] = strconv.FormatInt(req.FileSize, 10)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	name := req.FileName
	if name == "" {
		name = "chunk"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(req.Payload); err != nil {
		return nil, fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/chunks", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		var res pipeline.SubmissionResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &res, nil
	case http.StatusBadRequest:
		data, _ := io.ReadAll(resp.Body)
		var res pipeline.SubmissionResult
		if json.Unmarshal(data, &res) == nil && res.Outcome == pipeline.OutcomeRejected {
			return &res, &StatusError{Code: resp.StatusCode, Message: res.Message}
		}
		return nil, statusError(resp.StatusCode, data)
	default:
		data, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, data)
	}
}

// UploadOptions describe a file passed to UploadFile
type UploadOptions struct {
	UserID      string
	FileName    string
	ContentType string
	Priority    pipeline.Priority
	ChunkSize   int
}

// UploadFile splits data into chunks and submits them in order. size is
// the total length of data; it fixes the chunk count up front.
func (c *Client) UploadFile(ctx context.Context, data io.Reader, size int64, opts UploadOptions) (*pipeline.SubmissionResult, error) {
	if size <= 0 {
		return nil, errors.New("size must be positive")
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := int((size + int64(chunkSize) - 1) / int64(chunkSize))

	buf := make([]byte, chunkSize)
	var (
		contentID string
		last      *pipeline.SubmissionResult
	)
	for i := 0; i < total; i++ {
		n, err := io.ReadFull(data, buf)
		if errors.Is(err, io.EOF) {
			return last, fmt.Errorf("data ended after %d of %d chunks", i, total)
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return last, fmt.Errorf("failed to read chunk %d: %w", i, err)
		}

		res, err := c.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
			ContentID:   contentID,
			ChunkIndex:  i,
			TotalChunks: total,
			UserID:      opts.UserID,
			FileName:    opts.FileName,
			ContentType: opts.ContentType,
			FileSize:    size,
			Priority:    opts.Priority,
			Payload:     buf[:n],
		})
		if err != nil {
			return res, fmt.Errorf("chunk %d of %d: %w", i, total, err)
		}
		contentID = res.ContentID
		last = res
	}
	return last, nil
}

// GetStatus returns the current state of an upload
func (c *Client) GetStatus(ctx context.Context, contentID string) (*pipeline.ContentItem, error) {
	var item pipeline.ContentItem
	if err := c.do(ctx, http.MethodGet, "/api/content/"+url.PathEscape(contentID), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListByUser returns every upload of a user, newest first
func (c *Client) ListByUser(ctx context.Context, userID string) ([]*pipeline.ContentItem, error) {
	var out struct {
		Items []*pipeline.ContentItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/content", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Cancel stops an upload
func (c *Client) Cancel(ctx context.Context, contentID string) (*pipeline.ContentItem, error) {
	var item pipeline.ContentItem
	if err := c.do(ctx, http.MethodPost, "/api/content/"+url.PathEscape(contentID)+"/cancel", &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Download writes the assembled object of an upload to w and returns the
// number of bytes copied
func (c *Client) Download(ctx context.Context, contentID string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/content/"+url.PathEscape(contentID)+"/download", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return 0, statusError(resp.StatusCode, data)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read %s: %w", contentID, err)
	}
	return n, nil
}

// WaitForTerminal polls GetStatus until the upload reaches a terminal
// status or ctx is done
func (c *Client) WaitForTerminal(ctx context.Context, contentID string, interval time.Duration) (*pipeline.ContentItem, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		item, err := c.GetStatus(ctx, contentID)
		if err != nil {
			return nil, err
		}
		if item.IsTerminal() {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(code int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &StatusError{Code: code, Message: msg}
}
