package handoff

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the in-memory conversation collection of one session.
// Reads are safe from any goroutine and return copies. Writes are made by the
// SyncController loop only.
type ConversationStore struct {
	mu             sync.RWMutex
	convs          []Conversation
	index          map[string]int
	needsAttention bool
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{index: make(map[string]int)}
}

// ── Mutations ────────────────────────────────────────────

// ApplyReconciliation replaces the whole collection.
func (s *ConversationStore) ApplyReconciliation(r Reconciliation) {
	convs := make([]Conversation, 0, len(r.Conversations))
	index := make(map[string]int, len(r.Conversations))
	for _, c := range r.Conversations {
		if _, dup := index[c.CompositeID]; dup || c.CompositeID == "" {
			continue
		}
		index[c.CompositeID] = len(convs)
		convs = append(convs, c.clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = convs
	s.index = index
	s.needsAttention = anyNeedsAttention(convs)
}

// ApplyAppend merges one message into a conversation and moves it to the
// front. It reports false, changing nothing, when the id is unknown or the
// message is already present.
func (s *ConversationStore) ApplyAppend(conversationID string, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[conversationID]
	if !ok {
		return false
	}
	msgs, added := AppendUnique(s.convs[i].Messages, m)
	if !added {
		return false
	}

	updated := s.convs[i].clone()
	updated.Messages = msgs
	updated.refreshSummary()

	// Most recently active first; everyone else keeps relative order.
	copy(s.convs[1:i+1], s.convs[:i])
	s.convs[0] = updated
	for j := 0; j <= i; j++ {
		s.index[s.convs[j].CompositeID] = j
	}
	s.needsAttention = anyNeedsAttention(s.convs)
	return true
}

// Reset drops every conversation.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = nil
	s.index = make(map[string]int)
	s.needsAttention = false
}

// ── Reads ────────────────────────────────────────────────

func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return s.convs[i].clone(), true
}

func (s *ConversationStore) Has(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[conversationID]
	return ok
}

// List returns the conversations in store order.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.clone()
	}
	return out
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// NeedsAttention reports whether any open conversation requests a person.
func (s *ConversationStore) NeedsAttention() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needsAttention
}

// Sorted returns conversations needing attention first, then by last
// activity, newest first.
func (s *ConversationStore) Sorted() []Conversation {
	convs := s.List()
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].NeedsAttention(), convs[j].NeedsAttention()
		if a != b {
			return a
		}
		return convs[i].LastUpdatedAt.After(convs[j].LastUpdatedAt.Time)
	})
	return convs
}

// Search filters Sorted. An empty query keeps every open or closed
// conversation; otherwise the query matches a phone number substring or,
// case-insensitively, the text of any message.
func (s *ConversationStore) Search(query string) []Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Conversation
	for _, c := range s.Sorted() {
		if matchesQuery(c, q) {
			out = append(out, c)
		}
	}
	return out
}

func matchesQuery(c Conversation, q string) bool {
	if q == "" {
		return strings.HasPrefix(c.Status, "open") || strings.HasPrefix(c.Status, "closed")
	}
	if strings.Contains(c.PhoneNumber, q) {
		return true
	}
	for _, m := range c.Messages {
		if m.Text != "" && strings.Contains(strings.ToLower(m.Text), q) {
			return true
		}
	}
	return false
}

var mediaReceivedPattern = regexp.MustCompile(`^Media received: (.*?)\.?$`)

// NormalizeLastMessage shortens the backend's media placeholder,
// "Media received: image." becomes "[image]".
func NormalizeLastMessage(text string) string {
	if m := mediaReceivedPattern.FindStringSubmatch(text); m != nil {
		return "[" + m[1] + "]"
	}
	return text
}
