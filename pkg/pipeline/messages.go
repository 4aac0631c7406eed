package pipeline

// ChunkMessage is the body of a content.upload message. Payload travels as
// a raw byte string; Digest is the hex BLAKE3 of Payload.
type ChunkMessage struct {
	ContentID   string   `cbor:"content_id"`
	ChunkIndex  int      `cbor:"chunk_index"`
	TotalChunks int      `cbor:"total_chunks"`
	UserID      string   `cbor:"user_id"`
	FileName    string   `cbor:"file_name"`
	ContentType string   `cbor:"content_type"`
	FileSize    int64    `cbor:"file_size,omitempty"`
	Priority    Priority `cbor:"priority,omitempty"`
	Payload     []byte   `cbor:"payload"`
	Digest      string   `cbor:"digest,omitempty"`
}

// Request converts the message into a SubmitChunkRequest
func (m *ChunkMessage) Request() SubmitChunkRequest {
	return SubmitChunkRequest{
		ContentID:   m.ContentID,
		ChunkIndex:  m.ChunkIndex,
		TotalChunks: m.TotalChunks,
		UserID:      m.UserID,
		FileName:    m.FileName,
		ContentType: m.ContentType,
		FileSize:    m.FileSize,
		Priority:    m.Priority,
		Payload:     m.Payload,
	}
}

// StageMessage hands a content item to the next pipeline stage. Stages
// reload the item, so only the id is authoritative.
type StageMessage struct {
	ContentID string   `cbor:"content_id"`
	UserID    string   `cbor:"user_id,omitempty"`
	Status    Status   `cbor:"status"`
	Priority  Priority `cbor:"priority,omitempty"`
}
