// Package chunker splits a byte stream into fixed-size, strictly ordered,
// hashed chunks without buffering more than a few bytes of lookahead at a
// time.
package chunker

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
)

// Chunk is one contiguous, bounded slice of the source stream. It implements
// io.Reader; callers must fully drain it (read until io.EOF) before Size or
// SHA256 become valid, and before requesting the next Chunk from the owning
// Chunker. A Chunk holds an exclusive borrow of the Chunker's read position
// for its lifetime — starting Chunk n+1 before Chunk n is drained is a
// programming error, not a state this package recovers from.
type Chunk struct {
	Index int

	owner    *Chunker
	remain   int64
	hasher   hash.Hash
	size     int64
	drained  bool
	pending  []byte // bytes already pulled from the source but not yet returned
}

// Read implements io.Reader, bounding reads to this chunk's remaining byte
// budget and updating the running SHA-256 as bytes are delivered.
func (c *Chunk) Read(p []byte) (int, error) {
	if c.drained {
		return 0, io.EOF
	}
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		c.hasher.Write(p[:n])
		c.size += int64(n)
		c.remain -= int64(n)
		if c.remain == 0 {
			c.drained = true
		}
		return n, nil
	}
	if c.remain == 0 {
		c.drained = true
		return 0, io.EOF
	}

	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.owner.r.Read(p)
	if n > 0 {
		c.hasher.Write(p[:n])
		c.size += int64(n)
		c.remain -= int64(n)
	}
	if c.remain == 0 {
		c.drained = true
		if err == io.EOF {
			err = nil
		}
	}
	if err == io.EOF {
		c.drained = true
	}
	return n, err
}

// Size returns the number of bytes this chunk delivered. Valid only after
// the chunk has been fully drained.
func (c *Chunk) Size() (int64, error) {
	if !c.drained {
		return 0, fmt.Errorf("chunker: chunk %d not fully drained", c.Index)
	}
	return c.size, nil
}

// SHA256 returns the hex-encoded SHA-256 over the exact bytes delivered by
// this chunk. Valid only after the chunk has been fully drained.
func (c *Chunk) SHA256() (string, error) {
	if !c.drained {
		return "", fmt.Errorf("chunker: chunk %d not fully drained", c.Index)
	}
	return fmt.Sprintf("%x", c.hasher.Sum(nil)), nil
}

// Chunker reads chunkSize-byte chunks from an underlying io.Reader.
type Chunker struct {
	r         io.Reader
	chunkSize int64
	index     int
	active    *Chunk
	eof       bool
}

// New constructs a Chunker. chunkSize must be > 0.
func New(r io.Reader, chunkSize int64) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be > 0")
	}
	return &Chunker{r: r, chunkSize: chunkSize}, nil
}

// Next returns the next Chunk, or (nil, io.EOF) once the source stream is
// exhausted. It is an error to call Next again before the previously
// returned Chunk has been fully drained. A zero-byte source yields no
// chunks: the very first call returns io.EOF directly.
func (c *Chunker) Next() (*Chunk, error) {
	if c.active != nil && !c.active.drained {
		return nil, fmt.Errorf("chunker: previous chunk not fully drained")
	}
	if c.eof {
		return nil, io.EOF
	}

	// Peek a single byte so an exhausted stream yields no Chunk at all,
	// matching "a zero-byte upstream produces no chunks".
	peek := make([]byte, 1)
	n, err := io.ReadFull(c.r, peek)
	if n == 0 {
		c.eof = true
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	chunk := &Chunk{
		Index:   c.index,
		owner:   c,
		remain:  c.chunkSize,
		hasher:  sha256.New(),
		pending: peek[:n],
	}
	if chunk.remain < 0 {
		chunk.remain = 0
	}
	c.active = chunk
	c.index++
	return chunk, nil
}
