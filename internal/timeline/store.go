// Package timeline keeps per-room message history: a live tail, an
// optional window around an older message, and the data hung off it
// (link previews, seen watermark, typing).
package timeline

import (
	"sort"
	"sync"

	"fogsync/pkg/protocol"
)

// Mode selects which buffer Messages returns.
type Mode string

const (
	ModeLatest Mode = "latest"
	ModeAround Mode = "around"
)

// Source says where ingested messages came from.
type Source int

const (
	// SourceEvent is a push or subscription snapshot; new ids go to the
	// live tail.
	SourceEvent Source = iota
	// SourcePage is a fetched page; new ids go to the buffer of the
	// current mode.
	SourcePage
)

// Store holds the two message buffers of one room.
type Store struct {
	mu            sync.RWMutex
	mode          Mode
	latest        []*protocol.EventMessage
	around        []*protocol.EventMessage
	sources       map[string][]*protocol.EventMessage
	newerComplete bool
	olderComplete bool
}

// NewStore creates an empty store in the given mode.
func NewStore(mode Mode) *Store {
	if mode != ModeAround {
		mode = ModeLatest
	}
	return &Store{mode: mode, sources: make(map[string][]*protocol.EventMessage)}
}

// Mode returns the current mode.
func (s *Store) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches mode. Entering latest mode discards the around window
// and marks newer history complete.
func (s *Store) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setModeLocked(mode)
}

func (s *Store) setModeLocked(mode Mode) {
	s.mode = mode
	if mode == ModeLatest {
		s.around = nil
		s.newerComplete = true
	}
}

// Messages returns a copy of the visible buffer, oldest first.
func (s *Store) Messages() []*protocol.EventMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode == ModeAround {
		return append([]*protocol.EventMessage(nil), s.around...)
	}
	return append([]*protocol.EventMessage(nil), s.latest...)
}

// Latest returns a copy of the live tail regardless of mode.
func (s *Store) Latest() []*protocol.EventMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*protocol.EventMessage(nil), s.latest...)
}

// Around returns a copy of the around window regardless of mode.
func (s *Store) Around() []*protocol.EventMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*protocol.EventMessage(nil), s.around...)
}

// Visible reports whether id is in the visible buffer.
func (s *Store) Visible(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode == ModeAround {
		return indexOf(s.around, id) >= 0
	}
	return indexOf(s.latest, id) >= 0
}

// InLatest reports whether id is in the live tail.
func (s *Store) InLatest(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.latest, id) >= 0
}

// Ingest folds messages in. A known id is an edit and is replaced in
// place in every buffer holding it unless the stored copy is newer. It
// reports whether the around window joined the live tail.
func (s *Store) Ingest(msgs []*protocol.EventMessage, src Source) bool {
	if len(msgs) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var sortLatest, sortAround bool
	for _, m := range msgs {
		if m == nil {
			continue
		}
		li, ai := indexOf(s.latest, m.ID), indexOf(s.around, m.ID)
		if li >= 0 && s.latest[li].UpdatedTs <= m.UpdatedTs {
			s.latest[li] = m
		}
		if ai >= 0 && s.around[ai].UpdatedTs <= m.UpdatedTs {
			s.around[ai] = m
		}
		// A page in around mode fills the window even with ids the tail
		// already holds; that overlap is what joins the two.
		toAround := src == SourcePage && s.mode == ModeAround
		switch {
		case toAround && ai < 0:
			s.around = append(s.around, m)
			sortAround = true
		case !toAround && li < 0 && ai < 0:
			s.latest = append(s.latest, m)
			sortLatest = true
		}
	}
	if sortLatest {
		s.latest = dedupAndSort(s.latest)
	}
	if sortAround {
		s.around = dedupAndSort(s.around)
	}

	if s.mode != ModeAround || !intersects(s.around, s.latest) {
		return false
	}
	s.latest = dedupAndSort(append(s.latest, s.around...))
	s.setModeLocked(ModeLatest)
	return true
}

// ClearLatest empties the live tail.
func (s *Store) ClearLatest() {
	s.mu.Lock()
	s.latest = nil
	s.mu.Unlock()
}

// ClearAround empties the around window.
func (s *Store) ClearAround() {
	s.mu.Lock()
	s.around = nil
	s.mu.Unlock()
}

// Reset empties everything and returns to latest mode.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest, s.around = nil, nil
	s.mode = ModeLatest
	s.sources = make(map[string][]*protocol.EventMessage)
	s.newerComplete, s.olderComplete = false, false
}

// LatestLoadedTs is the created timestamp the next subscribe resumes from,
// or zero while fewer than two messages are loaded.
func (s *Store) LatestLoadedTs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.latest) < 2 {
		return 0
	}
	return s.latest[0].CreatedTs
}

// UpdateAuthorAvatar rewrites the avatar of every message by userID.
func (s *Store) UpdateAuthorAvatar(userID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = withAvatar(s.latest, userID, url)
	s.around = withAvatar(s.around, userID, url)
}

func withAvatar(msgs []*protocol.EventMessage, userID, url string) []*protocol.EventMessage {
	for i, m := range msgs {
		if m.FromID == userID {
			next := *m
			next.FromAvatarURL = url
			msgs[i] = &next
		}
	}
	return msgs
}

// SetSources stores the linked messages previewed under targetID.
func (s *Store) SetSources(targetID string, msgs []*protocol.EventMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[targetID] = append([]*protocol.EventMessage(nil), msgs...)
}

// Sources returns the linked messages stored under targetID.
func (s *Store) Sources(targetID string) ([]*protocol.EventMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.sources[targetID]
	return append([]*protocol.EventMessage(nil), msgs...), ok
}

// NewerComplete reports whether the newest page has been reached.
func (s *Store) NewerComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newerComplete
}

// SetNewerComplete sets the newer-history flag.
func (s *Store) SetNewerComplete(v bool) {
	s.mu.Lock()
	s.newerComplete = v
	s.mu.Unlock()
}

// OlderComplete reports whether the oldest page has been reached.
func (s *Store) OlderComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.olderComplete
}

// SetOlderComplete sets the older-history flag.
func (s *Store) SetOlderComplete(v bool) {
	s.mu.Lock()
	s.olderComplete = v
	s.mu.Unlock()
}

func indexOf(msgs []*protocol.EventMessage, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// dedupAndSort orders by created timestamp and keeps the first copy of
// each id.
func dedupAndSort(msgs []*protocol.EventMessage) []*protocol.EventMessage {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedTs < msgs[j].CreatedTs
	})
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// intersects reports whether any id is in both buffers. A sparse page
// that shares a single id with the tail counts.
func intersects(a, b []*protocol.EventMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	ids := make(map[string]struct{}, len(b))
	for _, m := range b {
		ids[m.ID] = struct{}{}
	}
	for _, m := range a {
		if _, ok := ids[m.ID]; ok {
			return true
		}
	}
	return false
}
