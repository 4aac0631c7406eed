package ingest

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// ChunkKey is where chunk index of contentID is stored
func ChunkKey(contentID string, index int) string {
	return fmt.Sprintf("chunks/%s/%d", contentID, index)
}

// DestinationKey returns a fresh key for an assembled object
func DestinationKey(item *pipeline.ContentItem) string {
	return fmt.Sprintf("content/%s/%s%s", item.UserID, uuid.NewString(),
		pipeline.FileExtension(item.FileName, item.ContentType))
}

// Digest returns the hex BLAKE3 digest of data
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
