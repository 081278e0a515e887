package chunker

import (
	"errors"
	"fmt"
	"io"
)

// ErrManifestMismatch is returned when the recorded hashes do not cover
// exactly the chunks to be read.
var ErrManifestMismatch = errors.New("chunk manifest does not match chunk count")

// FetchFunc returns the bytes of chunk seq.
type FetchFunc func(seq int) ([]byte, error)

// Reader reassembles chunks into an ordered byte stream, holding at most one
// chunk in memory. Chunks are fetched lazily, strictly in ascending order.
type Reader struct {
	fetch  FetchFunc
	count  int
	hashes []string

	next int
	cur  []byte
	err  error
}

// NewReader returns a Reader over count chunks. hashes must hold one entry
// per chunk; every chunk is verified before any of its bytes are returned.
// Otherwise the first read fails with ErrManifestMismatch and nothing is
// fetched.
func NewReader(count int, hashes []string, fetch FetchFunc) *Reader {
	r := &Reader{
		fetch:  fetch,
		count:  count,
		hashes: hashes,
	}
	if len(hashes) != count {
		r.err = fmt.Errorf("%w: %d hashes for %d chunks", ErrManifestMismatch, len(hashes), count)
	}
	return r
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.cur) == 0 {
		if err := r.advance(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, writing each chunk as soon as it is fetched.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		if len(r.cur) > 0 {
			n, err := w.Write(r.cur)
			total += int64(n)
			r.cur = r.cur[n:]
			if err != nil {
				return total, err
			}
		}
		if err := r.advance(); err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// Sequence returns the sequence number of the next chunk to be fetched.
func (r *Reader) Sequence() int {
	return r.next
}

func (r *Reader) advance() error {
	if r.err != nil {
		return r.err
	}
	if r.next >= r.count {
		r.err = io.EOF
		return r.err
	}

	seq := r.next
	data, err := r.fetch(seq)
	if err != nil {
		r.err = err
		return err
	}
	if !VerifyChunkHash(data, r.hashes[seq]) {
		r.err = fmt.Errorf("chunk %d: %w", seq, ErrHashMismatch)
		return r.err
	}

	r.next++
	r.cur = data
	return nil
}
