package roster

import (
	"sort"
	"strings"

	"fogsync/pkg/protocol"
)

// Well-known section ids in display order.
var wellKnownSections = []string{
	"PINNED",
	"ASSIGNED TO ME",
	"ASSIGNED",
	"PRIVATE",
	"OPEN",
	"INBOX",
	"DIRECT",
	"CLOSED",
	"ARCHIVED",
}

var wellKnownRank = func() map[string]int {
	ranks := make(map[string]int, len(wellKnownSections))
	for i, id := range wellKnownSections {
		ranks[id] = i
	}
	return ranks
}()

const (
	rankCustomer = 100 + iota
	rankTag
	rankOther
)

// Section is a roster section together with its positioned rooms. Rooms
// is indexed by position-1; a nil entry is a position not loaded yet.
type Section struct {
	protocol.EventRosterSection
	Rooms []*protocol.EventRosterRoom
}

func (s *Section) clone() Section {
	out := Section{EventRosterSection: s.EventRosterSection}
	out.Rooms = append([]*protocol.EventRosterRoom(nil), s.Rooms...)
	return out
}

// nextPosition returns the 1-based position of the first unloaded slot.
func (s *Section) nextPosition() int {
	for i, r := range s.Rooms {
		if r == nil {
			return i + 1
		}
	}
	return len(s.Rooms) + 1
}

func (s *Section) indexOf(roomID string) int {
	for i, r := range s.Rooms {
		if r != nil && r.Room.ID == roomID {
			return i
		}
	}
	return -1
}

func (s *Section) remove(roomID string) bool {
	i := s.indexOf(roomID)
	if i < 0 {
		return false
	}
	s.Rooms = append(s.Rooms[:i], s.Rooms[i+1:]...)
	return true
}

// place puts room at 1-based pos. An occupied slot shifts the occupant and
// everything after it down by one.
func (s *Section) place(pos int, room *protocol.EventRosterRoom) {
	s.remove(room.Room.ID)
	i := pos - 1
	switch {
	case i < len(s.Rooms) && s.Rooms[i] != nil:
		s.Rooms = append(s.Rooms, nil)
		copy(s.Rooms[i+1:], s.Rooms[i:])
		s.Rooms[i] = room
	case i < len(s.Rooms):
		s.Rooms[i] = room
	default:
		for len(s.Rooms) < i {
			s.Rooms = append(s.Rooms, nil)
		}
		s.Rooms = append(s.Rooms, room)
	}
}

// view is the materialized state of one roster view.
type view struct {
	id       string
	order    []string
	sections map[string]*Section
	rooms    map[string]*protocol.EventRosterRoom
}

func newView(id string) *view {
	return &view{
		id:       id,
		sections: make(map[string]*Section),
		rooms:    make(map[string]*protocol.EventRosterRoom),
	}
}

func (v *view) section(id string) (*Section, bool) {
	if s, ok := v.sections[id]; ok {
		return s, false
	}
	s := &Section{EventRosterSection: protocol.EventRosterSection{
		Header: protocol.Header{MsgType: protocol.TypeEventRosterSection},
		View:   v.id,
		ID:     id,
		Name:   id,
	}}
	v.sections[id] = s
	v.order = append(v.order, id)
	return s, true
}

// upsertSection merges section metadata, keeping the loaded rooms. It
// reports whether the section order may have changed.
func (v *view) upsertSection(ev *protocol.EventRosterSection) bool {
	s, created := v.section(ev.ID)
	moved := s.Pos != ev.Pos
	rooms := s.Rooms
	s.EventRosterSection = *ev
	s.View = v.id
	s.Rooms = rooms
	return created || moved
}

// placeRoom inserts the room into every section the event names. It does
// not touch other sections.
func (v *view) placeRoom(ev *protocol.EventRosterRoom) bool {
	needsSort := false
	for _, id := range sortedKeys(ev.Sections) {
		pos := ev.Sections[id]
		if pos < 1 {
			continue
		}
		s, created := v.section(id)
		needsSort = needsSort || created
		s.place(pos, ev)
	}
	v.rooms[ev.Room.ID] = ev
	return needsSort
}

// applyRoomEvent treats ev as the full membership of the room: it is
// removed from every section the event does not name.
func (v *view) applyRoomEvent(ev *protocol.EventRosterRoom) bool {
	for id, s := range v.sections {
		if _, named := ev.Sections[id]; !named {
			s.remove(ev.Room.ID)
		}
	}
	return v.placeRoom(ev)
}

// upsertItems folds a reply page without removing anything.
func (v *view) upsertItems(items []rosterItem) {
	needsSort := false
	for _, item := range items {
		switch {
		case item.section != nil:
			needsSort = v.upsertSection(item.section) || needsSort
		case item.room != nil:
			needsSort = v.placeRoom(item.room) || needsSort
		}
	}
	if needsSort {
		v.sort()
	}
}

// sort orders sections by well-known priority, then customer sections,
// then tag sections, then anything else. Ties keep server position and
// then arrival order.
func (v *view) sort() {
	sort.SliceStable(v.order, func(i, j int) bool {
		a, b := v.sections[v.order[i]], v.sections[v.order[j]]
		ra, rb := sectionRank(a), sectionRank(b)
		if ra != rb {
			return ra < rb
		}
		return a.Pos < b.Pos
	})
}

func sectionRank(s *Section) int {
	if rank, ok := wellKnownRank[s.ID]; ok {
		return rank
	}
	kind := s.EntityType
	if kind == "" {
		kind = s.ID
	}
	switch {
	case strings.HasPrefix(kind, protocol.SectionEntityCustomer):
		return rankCustomer
	case strings.HasPrefix(kind, protocol.SectionEntityTag):
		return rankTag
	}
	return rankOther
}

func (v *view) snapshot() []Section {
	out := make([]Section, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.sections[id].clone())
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rosterItem is one decoded entry of a roster reply.
type rosterItem struct {
	section *protocol.EventRosterSection
	room    *protocol.EventRosterRoom
}

func (i rosterItem) view() string {
	if i.section != nil {
		return i.section.View
	}
	return i.room.View
}

// decodeItems decodes the roster entries of a reply in order. Entries of
// other types are skipped; the first decode failure is returned alongside
// the entries that did decode.
func decodeItems(items []*protocol.Inbound) ([]rosterItem, error) {
	out := make([]rosterItem, 0, len(items))
	var firstErr error
	for _, in := range items {
		if in == nil {
			continue
		}
		var item rosterItem
		var err error
		switch in.MsgType {
		case protocol.TypeEventRosterSection:
			item.section, err = protocol.DecodeAs[protocol.EventRosterSection](in)
		case protocol.TypeEventRosterRoom:
			item.room, err = protocol.DecodeAs[protocol.EventRosterRoom](in)
		default:
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, item)
	}
	return out, firstErr
}
