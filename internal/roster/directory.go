package roster

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

// Room is a directory entry: the room plus the other party of a dialog.
type Room struct {
	protocol.EventRoom
	Counterpart *protocol.RoomMember
}

// counterpartOf picks the dialog partner. Rooms the server synthesized for
// search results carry the partner on the event itself.
func counterpartOf(e *protocol.EventRoom, self string) *protocol.RoomMember {
	if e.Created {
		if e.Type != protocol.RoomDialog {
			return nil
		}
		for i := range e.Members {
			if e.Members[i].ID != self {
				m := e.Members[i]
				return &m
			}
		}
		return nil
	}
	id, kind := e.AgentID, protocol.FromAgent
	if id == "" {
		id, kind = e.UserID, protocol.FromUser
	}
	if id == "" {
		return nil
	}
	return &protocol.RoomMember{
		ID:       id,
		Type:     kind,
		ImageURL: e.ImageURL,
		Name:     e.Name,
		Email:    e.Email,
	}
}

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	Caller        Caller
	Logger        *logrus.Logger
	Metrics       *metrics.Registry
	PageSize      int
	BadgePageSize int
	// OnChange runs after rooms, badges or customers changed.
	OnChange func()
}

// Directory is the flat, unsectioned view of rooms, badges and customers.
type Directory struct {
	caller        Caller
	logger        *logrus.Logger
	metrics       *metrics.Registry
	resolver      *Resolver
	pageSize      int
	badgePageSize int
	onChange      func()

	mu               sync.RWMutex
	scope            Scope
	rooms            map[string]*Room
	badges           map[string]*protocol.EventBadge
	customers        map[string]*protocol.EventCustomer
	oldestRoomTs     int64
	roomsLoaded      bool
	badgeCursor      string
	badgesLoaded     bool
	oldestCustomerTs int64
	customersLoaded  bool
	readBadges       int
	generation       uint64
}

// NewDirectory creates an empty Directory.
func NewDirectory(opts DirectoryOptions) *Directory {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = constants.DefaultPageSize
	}
	if opts.BadgePageSize <= 0 {
		opts.BadgePageSize = constants.DefaultBadgePageSize
	}
	d := &Directory{
		caller:        opts.Caller,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		pageSize:      opts.PageSize,
		badgePageSize: opts.BadgePageSize,
		onChange:      opts.OnChange,
	}
	d.resolver = NewResolver(opts.Caller, opts.Logger, opts.Metrics,
		func() string { return d.Scope().RosterTopic() },
		func(rooms []protocol.EventRoom) {
			ptrs := make([]*protocol.EventRoom, len(rooms))
			for i := range rooms {
				ptrs[i] = &rooms[i]
			}
			d.updateRooms(ptrs)
		})
	d.resetLocked(Scope{})
	return d
}

// Resolver returns the directory's room resolver.
func (d *Directory) Resolver() *Resolver { return d.resolver }

// SetScope switches the directory to another user or workspace, dropping
// everything cached for the previous one.
func (d *Directory) SetScope(scope Scope) {
	d.mu.Lock()
	d.resetLocked(scope)
	d.mu.Unlock()
	d.resolver.Reset()
	d.changed()
}

// Clear drops all cached state and the scope.
func (d *Directory) Clear() {
	d.SetScope(Scope{})
}

func (d *Directory) resetLocked(scope Scope) {
	d.generation++
	d.scope = scope
	d.rooms = make(map[string]*Room)
	d.badges = make(map[string]*protocol.EventBadge)
	d.customers = make(map[string]*protocol.EventCustomer)
	d.oldestRoomTs = 0
	d.roomsLoaded = false
	d.badgeCursor = ""
	d.badgesLoaded = false
	d.oldestCustomerTs = 0
	d.customersLoaded = false
	d.readBadges = 0
}

// Scope returns the current scope.
func (d *Directory) Scope() Scope {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scope
}

// Topics lists the stream topics the directory listens on.
func (d *Directory) Topics() []string {
	s := d.Scope()
	var topics []string
	for _, t := range []string{s.RoomsTopic(), s.UsersTopic(), s.BadgesTopic(), s.SeenTopic(), s.CustomersTopic()} {
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Subscribe issues Stream.Sub for every directory topic.
func (d *Directory) Subscribe(ctx context.Context) error {
	var firstErr error
	for _, topic := range d.Topics() {
		in, err := d.caller.Call(ctx, &protocol.StreamSub{
			Header: protocol.Header{MsgType: protocol.TypeStreamSub},
			Topic:  topic,
		})
		if err == nil {
			_, err = protocol.Expect[protocol.StreamSubOk](in, protocol.TypeStreamSubOk)
		}
		if err != nil {
			d.logger.WithError(err).WithField("topic", topic).Warn("Directory subscribe failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Unsubscribe drops every directory topic.
func (d *Directory) Unsubscribe(ctx context.Context) error {
	var firstErr error
	for _, topic := range d.Topics() {
		_, err := d.caller.Call(ctx, &protocol.StreamUnSub{
			Header: protocol.Header{MsgType: protocol.TypeStreamUnSub},
			Topic:  topic,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadRooms fetches the next page of older rooms. It reports done once
// the server has no more or enough rooms are cached.
func (d *Directory) LoadRooms(ctx context.Context) (bool, error) {
	d.mu.RLock()
	topic, before, done, gen := d.scope.RoomsTopic(), d.oldestRoomTs, d.roomsLoaded, d.generation
	d.mu.RUnlock()
	if done {
		return true, nil
	}
	if topic == "" {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "directory has no workspace or helpdesk")
	}

	ok, err := d.streamGet(ctx, &protocol.StreamGet{
		Header: protocol.Header{MsgType: protocol.TypeStreamGet},
		Topic:  topic,
		Before: before,
		Limit:  d.pageSize,
	})
	if err != nil {
		return false, err
	}
	rooms, err := protocol.Extract[protocol.EventRoom](ok.Items, protocol.TypeEventRoom)

	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		return false, nil
	}
	for _, r := range rooms {
		if d.oldestRoomTs == 0 || r.CreatedTs < d.oldestRoomTs {
			d.oldestRoomTs = r.CreatedTs
		}
	}
	d.mu.Unlock()

	d.updateRooms(rooms)

	d.mu.Lock()
	d.roomsLoaded = len(rooms) == 0 || len(d.rooms) >= constants.DefaultRoomPrefetchLimit
	done = d.roomsLoaded
	d.mu.Unlock()
	return done, err
}

// LoadBadges fetches the next page of badges walking the prev cursor.
func (d *Directory) LoadBadges(ctx context.Context) (bool, error) {
	d.mu.RLock()
	topic, cursor, done, gen := d.scope.BadgesTopic(), d.badgeCursor, d.badgesLoaded, d.generation
	d.mu.RUnlock()
	if done {
		return true, nil
	}
	if topic == "" {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "directory has no user")
	}

	ok, err := d.streamGet(ctx, &protocol.StreamGet{
		Header: protocol.Header{MsgType: protocol.TypeStreamGet},
		Topic:  topic,
		Prev:   cursor,
		Limit:  d.badgePageSize,
	})
	if err != nil {
		return false, err
	}
	badges, err := protocol.Extract[protocol.EventBadge](ok.Items, protocol.TypeEventBadge)

	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		return false, nil
	}
	d.badgeCursor = ok.Prev
	d.badgesLoaded = len(badges) == 0 || ok.Prev == ""
	done = d.badgesLoaded
	d.mu.Unlock()

	d.updateBadges(badges)
	return done, err
}

// LoadCustomers fetches the next page of older customers. Helpdesk scopes
// have no customer list and report done immediately.
func (d *Directory) LoadCustomers(ctx context.Context) (bool, error) {
	d.mu.RLock()
	topic, before, done, gen := d.scope.CustomersTopic(), d.oldestCustomerTs, d.customersLoaded, d.generation
	d.mu.RUnlock()
	if done || topic == "" {
		return true, nil
	}

	ok, err := d.streamGet(ctx, &protocol.StreamGet{
		Header: protocol.Header{MsgType: protocol.TypeStreamGet},
		Topic:  topic,
		Before: before,
	})
	if err != nil {
		return false, err
	}
	customers, err := protocol.Extract[protocol.EventCustomer](ok.Items, protocol.TypeEventCustomer)

	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		return false, nil
	}
	for _, c := range customers {
		if d.oldestCustomerTs == 0 || c.CreatedTs < d.oldestCustomerTs {
			d.oldestCustomerTs = c.CreatedTs
		}
		d.customers[c.ID] = c
	}
	d.customersLoaded = len(customers) == 0
	done = d.customersLoaded
	d.mu.Unlock()

	d.changed()
	return done, err
}

func (d *Directory) streamGet(ctx context.Context, req *protocol.StreamGet) (*protocol.StreamGetOk, error) {
	in, err := d.caller.Call(ctx, req)
	if err == nil {
		var ok *protocol.StreamGetOk
		if ok, err = protocol.Expect[protocol.StreamGetOk](in, protocol.TypeStreamGetOk); err == nil {
			return ok, nil
		}
	}
	d.logger.WithError(err).WithField("topic", req.Topic).Warn("Directory page load failed")
	return nil, err
}

// HandleEvent folds Event.Room, Event.Badge, Event.Customer and Event.User.
func (d *Directory) HandleEvent(in *protocol.Inbound) {
	var err error
	switch in.MsgType {
	case protocol.TypeEventRoom:
		var ev *protocol.EventRoom
		if ev, err = protocol.DecodeAs[protocol.EventRoom](in); err == nil {
			d.updateRooms([]*protocol.EventRoom{ev})
		}
	case protocol.TypeEventBadge:
		var ev *protocol.EventBadge
		if ev, err = protocol.DecodeAs[protocol.EventBadge](in); err == nil {
			d.updateBadges([]*protocol.EventBadge{ev})
		}
	case protocol.TypeEventCustomer:
		var ev *protocol.EventCustomer
		if ev, err = protocol.DecodeAs[protocol.EventCustomer](in); err == nil {
			d.mu.Lock()
			d.customers[ev.ID] = ev
			d.mu.Unlock()
			d.changed()
		}
	case protocol.TypeEventUser:
		var ev *protocol.EventUser
		if ev, err = protocol.DecodeAs[protocol.EventUser](in); err == nil {
			d.updateAvatar(ev)
		}
	default:
		return
	}
	if err != nil {
		d.logger.WithError(err).WithField("msg_type", in.MsgType).Error("Failed to decode directory event")
	}
}

// updateRooms replaces rooms by id; a removal event deletes the room.
// Rooms are only kept once the local user is known.
func (d *Directory) updateRooms(rooms []*protocol.EventRoom) {
	d.mu.Lock()
	self := d.scope.UserID
	if self == "" || len(rooms) == 0 {
		d.mu.Unlock()
		return
	}
	for _, r := range rooms {
		if r.Remove {
			delete(d.rooms, r.ID)
			continue
		}
		d.rooms[r.ID] = &Room{EventRoom: *r, Counterpart: counterpartOf(r, self)}
		d.resolver.Found(r.ID)
	}
	d.mu.Unlock()
	d.changed()
}

// updateBadges stores badges and resolves the rooms they point at, up to
// a small number of read rooms.
func (d *Directory) updateBadges(badges []*protocol.EventBadge) {
	if len(badges) == 0 {
		return
	}
	var missing []string
	d.mu.Lock()
	for _, b := range badges {
		if b.Count > 0 || (b.LastRoomMessage != nil && b.LastRoomMessage.CreatedTs != 0) {
			if b.Count == 0 {
				d.readBadges++
			}
			if _, known := d.rooms[b.RoomID]; !known && d.readBadges < constants.DefaultBadgePrefetch {
				missing = append(missing, b.RoomID)
			}
		}
		d.badges[b.RoomID] = b
	}
	d.mu.Unlock()

	for _, id := range missing {
		d.resolver.Request(id)
	}
	d.changed()
}

func (d *Directory) updateAvatar(ev *protocol.EventUser) {
	d.mu.Lock()
	touched := false
	for id, r := range d.rooms {
		if r.Counterpart == nil || r.Counterpart.ID != ev.UserID {
			continue
		}
		next := *r
		cp := *r.Counterpart
		cp.ImageURL = ev.AvatarURL
		next.Counterpart = &cp
		next.Members = append([]protocol.RoomMember(nil), r.Members...)
		for i := range next.Members {
			if next.Members[i].ID == ev.UserID {
				next.Members[i].ImageURL = ev.AvatarURL
			}
		}
		d.rooms[id] = &next
		touched = true
	}
	d.mu.Unlock()
	if touched {
		d.changed()
	}
}

// RoomByID returns a cached room. A miss schedules a background fetch.
func (d *Directory) RoomByID(id string) (Room, bool) {
	d.mu.RLock()
	r, ok := d.rooms[id]
	d.mu.RUnlock()
	if ok {
		d.resolver.Found(id)
		return *r, true
	}
	d.resolver.Request(id)
	return Room{}, false
}

// Rooms lists rooms of the current workspace, unread rooms first and then
// by most recent activity.
func (d *Directory) Rooms() []Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		if d.scope.WorkspaceID != "" && r.WorkspaceID != d.scope.WorkspaceID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		ui, uj := d.unreadLocked(out[i].ID), d.unreadLocked(out[j].ID)
		if ui != uj {
			return ui
		}
		ti, tj := d.activityLocked(&out[i]), d.activityLocked(&out[j])
		if ti != tj {
			return ti > tj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) unreadLocked(roomID string) bool {
	b, ok := d.badges[roomID]
	return ok && b.Count > 0
}

func (d *Directory) activityLocked(r *Room) int64 {
	if b, ok := d.badges[r.ID]; ok && b.LastRoomMessage != nil && b.LastRoomMessage.CreatedTs != 0 {
		return b.LastRoomMessage.CreatedTs
	}
	return r.CreatedTs
}

// Badge returns the badge of a room.
func (d *Directory) Badge(roomID string) (*protocol.EventBadge, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.badges[roomID]
	return b, ok
}

// Badges returns a copy of all badges keyed by room id.
func (d *Directory) Badges() map[string]*protocol.EventBadge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*protocol.EventBadge, len(d.badges))
	for k, v := range d.badges {
		out[k] = v
	}
	return out
}

// Customers lists customers, most recently updated first.
func (d *Directory) Customers() []protocol.EventCustomer {
	d.mu.RLock()
	out := make([]protocol.EventCustomer, 0, len(d.customers))
	for _, c := range d.customers {
		out = append(out, *c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedTs != out[j].UpdatedTs {
			return out[i].UpdatedTs > out[j].UpdatedTs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) changed() {
	if d.onChange != nil {
		d.onChange()
	}
}
