// Package media implements Media Ingest: downloading a user's attached
// files into a size- and time-bounded local cache keyed by content hash,
// and routing them either to transcription (voice/audio/video) or to
// plain file storage for later tool use (deliver_file, analyze_image,
// analyze_pdf, preview_file). The hash-keyed, file-backed cache follows
// the dedup-by-hash idiom in pkg/llm/history.go's ProcessImages, swapped
// from sha256 to blake2b per this system's cache-key convention.
package media

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Entry is one cached file: its bytes, MIME type, and when it was stored
// (for TTL expiry).
type Entry struct {
	Data     []byte
	MimeType string
	Filename string
	StoredAt time.Time
}

// Cache is a concurrency-safe, size- and TTL-bounded store of downloaded
// user files, keyed by a content hash so the same attachment re-sent (or
// re-ingested after a batch replay) reuses one entry instead of
// duplicating storage.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	maxBytes int64
	ttl      time.Duration
}

// NewCache builds a Cache enforcing maxBytes per file and ttl for
// expiry (FILE_BYTES_MAX_SIZE / FILE_BYTES_TTL).
func NewCache(maxBytes int64, ttl time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]*Entry),
		maxBytes: maxBytes,
		ttl:      ttl,
	}
}

// Ingest stores data under a content-derived file ID, rejecting anything
// over the cache's size cap. Ingesting identical bytes twice returns the
// same file ID without storing a second copy.
func (c *Cache) Ingest(data []byte, mimeType, filename string) (fileID string, err error) {
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return "", fmt.Errorf("media: file %q is %d bytes, exceeds the %d byte cap", filename, len(data), c.maxBytes)
	}

	sum := blake2b.Sum256(data)
	fileID = fmt.Sprintf("%x", sum)[:32]

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fileID]; !ok {
		c.entries[fileID] = &Entry{
			Data:     data,
			MimeType: mimeType,
			Filename: filename,
			StoredAt: time.Now(),
		}
	}
	return fileID, nil
}

// Resolve returns a cached file's bytes and MIME type by ID. This method
// makes Cache satisfy pkg/tools.FileResolver structurally. A file whose
// TTL has elapsed is treated as not found: Media Ingest's stated failure
// mode is to surface the miss rather than silently re-fetch within the
// same batch.
func (c *Cache) Resolve(fileID string) ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fileID]
	if !ok {
		return nil, "", fmt.Errorf("media: unknown file id %q", fileID)
	}
	if c.ttl > 0 && time.Since(e.StoredAt) > c.ttl {
		delete(c.entries, fileID)
		return nil, "", fmt.Errorf("media: file id %q expired", fileID)
	}
	return e.Data, e.MimeType, nil
}

// Prune evicts every entry whose TTL has elapsed. Intended to be called
// periodically by the pipeline driver rather than on every Resolve, so a
// burst of lookups doesn't pay the sweep cost repeatedly.
func (c *Cache) Prune() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	now := time.Now()
	for id, e := range c.entries {
		if now.Sub(e.StoredAt) > c.ttl {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}
