package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/voicevault/internal/models"
)

// ErrHashMismatch is returned when a chunk read back does not match its recorded hash.
var ErrHashMismatch = errors.New("chunk hash mismatch")

// SourceError reports a failure of the producer feeding Split, as opposed to
// a failure of the sink receiving the chunks.
type SourceError struct {
	Sequence int
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("error reading chunk %d: %v", e.Sequence, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Summary describes a stream after Split consumed it.
type Summary struct {
	Length int64
	Count  int
	SHA256 string
	Hashes []string
}

// Chunker handles file chunking and reassembly
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the size every chunk but the last is cut to.
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// Split reads r to exhaustion, handing each chunk to fn in sequence order.
// A single buffer of chunkSize bytes is reused for every chunk, so fn must
// not retain chunk.Data after it returns. The next chunk is not read until
// fn returns.
func (c *Chunker) Split(ctx context.Context, r io.Reader, fn func(chunk *models.ChunkData) error) (Summary, error) {
	if c.chunkSize <= 0 {
		return Summary{}, fmt.Errorf("invalid chunk size %d", c.chunkSize)
	}

	var summary Summary
	whole := sha256.New()
	buffer := make([]byte, c.chunkSize)
	sequence := 0

	for {
		if err := ctx.Err(); err != nil {
			return summary, &SourceError{Sequence: sequence, Err: err}
		}

		n, err := io.ReadFull(r, buffer)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return summary, &SourceError{Sequence: sequence, Err: err}
		}

		if n > 0 {
			data := buffer[:n]
			hash := ComputeHash(data)
			whole.Write(data)

			chunk := &models.ChunkData{
				Data:     data,
				Sequence: sequence,
				Hash:     hash,
				Size:     int64(n),
			}
			if ferr := fn(chunk); ferr != nil {
				return summary, ferr
			}

			summary.Hashes = append(summary.Hashes, hash)
			summary.Length += int64(n)
			summary.Count++
			sequence++
		}

		if err != nil {
			break
		}
	}

	summary.SHA256 = hex.EncodeToString(whole.Sum(nil))
	return summary, nil
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	actualHash := ComputeHash(data)
	return actualHash == expectedHash
}
