// Package thread implements the Thread Registry: per-thread serialization
// state keyed by (chat_id, user_id, topic_id). Exactly one pipeline
// invocation ever runs per key at a time.
//
// Grounded on pkg/llm/session_manager.go's map+mutex+double-checked-locking
// pattern, generalized from a single string session id to a structured
// chat/user/topic key, and on pkg/gateway/manager.go's per-key dispatch.
package thread

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"threadline/pkg/gentrack"
	"threadline/pkg/llm"
)

var filenameSafe = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// Key identifies one conversational lane. TopicID is 0 for non-forum chats.
type Key struct {
	ChatID  int64
	UserID  int64
	TopicID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.ChatID, k.UserID, k.TopicID)
}

// Record is the per-thread serialization state: the History backing its
// Conversation, the pending-batch fields the Message Batcher mutates under
// Mutex, and the cleared flag. Generation tracking itself lives in the
// shared gentrack.Tracker, keyed by the same Key.String().
type Record struct {
	Key     Key
	History *llm.ChatHistory

	Mutex sync.Mutex // guards the fields below; held only briefly by the Batcher

	// Pending batch accumulation. Queue holds messages admitted to the
	// current open batch; WindowDeadline is when it freezes.
	Queue          []llm.Message
	WindowDeadline int64 // unix millis, 0 if no window open
	IsCleared      bool
	NeedsTopicName bool
}

// Registry is the process-wide map of thread key -> Record, plus the shared
// Generation Tracker every Record's generation handle is drawn from.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*Record
	storageDir string

	Generations *gentrack.Tracker
}

func NewRegistry(storageDir string) *Registry {
	if storageDir != "" {
		_ = os.MkdirAll(storageDir, 0755)
	}
	return &Registry{
		records:     make(map[string]*Record),
		storageDir:  storageDir,
		Generations: gentrack.NewTracker(),
	}
}

// Get returns the Record for key, creating and lazily loading it from disk
// on first access. Double-checked locking avoids holding the write lock for
// the common "already exists" path.
func (r *Registry) Get(key Key) (*Record, error) {
	k := key.String()

	r.mu.RLock()
	rec, ok := r.records[k]
	r.mu.RUnlock()
	if ok {
		return rec, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok = r.records[k]; ok {
		return rec, nil
	}

	rec = &Record{Key: key, History: llm.NewChatHistory()}
	if r.storageDir != "" {
		if err := rec.History.Load(r.historyPath(k)); err != nil {
			return nil, fmt.Errorf("loading history for thread %s: %w", k, err)
		}
	}
	r.records[k] = rec
	return rec, nil
}

// Save persists a thread's history to disk. A no-op when the registry was
// constructed without a storage directory (tests, ephemeral deployments).
func (r *Registry) Save(key Key) error {
	r.mu.RLock()
	rec, ok := r.records[key.String()]
	r.mu.RUnlock()
	if !ok || r.storageDir == "" {
		return nil
	}
	attachmentsDir := filepath.Join(r.storageDir, "..", "attachments")
	if err := rec.History.ProcessImages(attachmentsDir); err != nil {
		return err
	}
	return rec.History.Save(r.historyPath(key.String()))
}

func (r *Registry) historyPath(safeKey string) string {
	return filepath.Join(r.storageDir, fmt.Sprintf("thread_%s.json", filenameSafe.ReplaceAllString(safeKey, "_")))
}

// IsActive reports whether a generation is currently running for key.
func (r *Registry) IsActive(key Key) bool {
	return r.Generations.IsActive(key.String())
}

// Cancel requests cancellation of the active generation for key, if any.
func (r *Registry) Cancel(key Key, reason llm.CancellationReason) bool {
	return r.Generations.Cancel(key.String(), reason)
}
