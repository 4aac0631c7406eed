package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

var testTenant = uuid.MustParse("00000000-0000-0000-0000-000000000002")

func testItem() *pipeline.ContentItem {
	return &pipeline.ContentItem{
		ContentID:   "c-123",
		UserID:      "user-1",
		FileName:    "notes.txt",
		ContentType: "text/plain",
		FileType:    pipeline.FileTypeText,
	}
}

func TestOwnerID(t *testing.T) {
	u := uuid.New()
	assert.Equal(t, u, ownerID(u.String()))
	assert.Equal(t, ownerID("alice"), ownerID("alice"))
	assert.NotEqual(t, ownerID("alice"), ownerID("bob"))
}

func TestBlobArchive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	a := NewBlobArchive(store, "http://files.local/")

	ref, err := a.Publish(ctx, testItem(), strings.NewReader("final"))
	require.NoError(t, err)
	assert.Equal(t, "archive/user-1/c-123.txt", ref.ID)
	assert.Equal(t, "http://files.local/archive/user-1/c-123.txt", ref.AccessURL)

	id, err := a.PublishDerived(ctx, ref.ID, "processed", "notes.jpg", strings.NewReader("small"))
	require.NoError(t, err)
	assert.Equal(t, "archive/user-1/c-123.processed.jpg", id)

	data, err := ReadAll(ctx, store, id)
	require.NoError(t, err)
	assert.Equal(t, "small", string(data))
}

func TestHTTPArchive(t *testing.T) {
	var uploads []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(file)

		fields := map[string]string{"path": r.URL.Path, "body": string(body)}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		uploads = append(uploads, fields)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "id-" + string(rune('0'+len(uploads)))})
	}))
	defer srv.Close()

	a := NewHTTPArchive(srv.URL, testTenant)
	ctx := context.Background()

	ref, err := a.Publish(ctx, testItem(), strings.NewReader("original"))
	require.NoError(t, err)
	assert.Equal(t, "id-1", ref.ID)
	assert.Equal(t, srv.URL+"/api/v1/contents/id-1/download", ref.AccessURL)

	derived, err := a.PublishDerived(ctx, ref.ID, "processed", "small.jpg", strings.NewReader("thumb"))
	require.NoError(t, err)
	assert.Equal(t, "id-2", derived)

	require.Len(t, uploads, 2)
	assert.Equal(t, "/api/v1/contents", uploads[0]["path"])
	assert.Equal(t, "original", uploads[0]["body"])
	assert.Equal(t, testTenant.String(), uploads[0]["tenant_id"])
	assert.Equal(t, ownerID("user-1").String(), uploads[0]["owner_id"])
	assert.Equal(t, "/api/v1/contents/id-1/derived", uploads[1]["path"])
	assert.Equal(t, "processed", uploads[1]["derivation_type"])
	assert.Equal(t, "thumb", uploads[1]["body"])
}

func TestHTTPArchive_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	_, err := NewHTTPArchive(srv.URL, testTenant).Publish(context.Background(), testItem(), strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "507")
}

func TestContentArchive_Embedded(t *testing.T) {
	svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(t.TempDir()))
	require.NoError(t, err)
	defer cleanup()

	a := NewContentArchive(svc, testTenant, "http://localhost:4000")
	ctx := context.Background()

	ref, err := a.Publish(ctx, testItem(), strings.NewReader("archived bytes"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/api/v1/contents/"+ref.ID+"/download", ref.AccessURL)

	rc, err := a.Open(ctx, ref.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "archived bytes", string(data))

	derivedID, err := a.PublishDerived(ctx, ref.ID, "processed", "small.txt", strings.NewReader("small"))
	require.NoError(t, err)
	assert.NotEmpty(t, derivedID)

	again, err := a.PublishDerived(ctx, ref.ID, "processed", "small.txt", strings.NewReader("small"))
	require.NoError(t, err)
	assert.Equal(t, derivedID, again, "redelivery reuses the existing derivation")

	_, err = a.PublishDerived(ctx, "not-a-uuid", "processed", "x.jpg", strings.NewReader("x"))
	assert.Error(t, err)
}
