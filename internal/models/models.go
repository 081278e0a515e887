package models

import "time"

// BlobMetadata describes a committed blob. It is immutable once inserted.
type BlobMetadata struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	Length      int64             `json:"length"`
	ChunkSize   int64             `json:"chunk_size"`
	ChunkCount  int               `json:"chunk_count"`
	SHA256      string            `json:"sha256"`
	ChunkHashes []string          `json:"chunk_hashes,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Chunk is one fixed-size slice of a blob, addressed by (BlobID, Sequence).
type Chunk struct {
	BlobID   string `json:"blob_id"`
	Sequence int    `json:"sequence"`
	Data     []byte `json:"-"`
}

// ChunkData holds a chunk while it moves between the codec and a store.
// Data is only valid until the callback that received it returns.
type ChunkData struct {
	Data     []byte
	Sequence int
	Hash     string
	Size     int64
}
