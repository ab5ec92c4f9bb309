package backend

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transcripts keeps in-process conversation histories for API adapters,
// which have no server-side session to resume. The oldest conversations are
// evicted once MaxConversations is exceeded.
type Transcripts[M any] struct {
	prefix string
	max    int
	now    func() time.Time

	mu    sync.Mutex
	convs map[string]*transcript[M]
}

type transcript[M any] struct {
	messages []M
	lastUsed time.Time
}

// NewTranscripts creates a store whose ids start with prefix.
func NewTranscripts[M any](prefix string, maxConversations int) *Transcripts[M] {
	if maxConversations <= 0 {
		maxConversations = 256
	}
	return &Transcripts[M]{
		prefix: prefix,
		max:    maxConversations,
		now:    time.Now,
		convs:  make(map[string]*transcript[M]),
	}
}

// NewID allocates a conversation id.
func (t *Transcripts[M]) NewID() string {
	return t.prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Get returns a copy of the history of id.
func (t *Transcripts[M]) Get(id string) ([]M, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.convs[id]
	if !ok {
		return nil, false
	}
	return append([]M(nil), c.messages...), true
}

// Put replaces the history of id.
func (t *Transcripts[M]) Put(id string, messages []M) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.convs[id] = &transcript[M]{messages: messages, lastUsed: t.now()}

	if len(t.convs) <= t.max {
		return
	}

	ids := make([]string, 0, len(t.convs))
	for k := range t.convs {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return t.convs[ids[i]].lastUsed.Before(t.convs[ids[j]].lastUsed) })

	for _, k := range ids[:len(t.convs)-t.max] {
		delete(t.convs, k)
	}
}

// Len returns the number of stored conversations.
func (t *Transcripts[M]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.convs)
}
