// Package roster materializes the sectioned roster and the flat room
// directory from roster replies and push events.
package roster

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

// Caller issues correlated calls. Implemented by the transport correlator.
type Caller interface {
	Call(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error)
}

// Action is a materializer input accepted by Dispatch.
type Action interface {
	action()
}

// LoadAction fetches the next page of a section starting at its first gap.
type LoadAction struct {
	View      string
	SectionID string
}

// UpdateAction applies room events, each authoritative for the room's
// section membership.
type UpdateAction struct {
	Rooms []*protocol.EventRosterRoom
}

// ResetAction replaces a view from a full snapshot.
type ResetAction struct {
	View  string
	Items []*protocol.Inbound
}

func (LoadAction) action()   {}
func (UpdateAction) action() {}
func (ResetAction) action()  {}

// Options configures a Materializer.
type Options struct {
	Caller   Caller
	Logger   *logrus.Logger
	Metrics  *metrics.Registry
	PageSize int
	SubLimit int
	// OnChange runs after a view changed, outside the materializer lock.
	OnChange func(view string)
}

// Materializer keeps per-view section state.
type Materializer struct {
	caller   Caller
	logger   *logrus.Logger
	metrics  *metrics.Registry
	errLog   *apperrors.Logger
	pageSize int
	subLimit int
	onChange func(view string)

	mu         sync.RWMutex
	topic      string
	views      map[string]*view
	generation uint64
}

// NewMaterializer creates an empty Materializer.
func NewMaterializer(opts Options) *Materializer {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = constants.DefaultRosterPageSize
	}
	if opts.SubLimit <= 0 {
		opts.SubLimit = constants.DefaultRosterSubLimit
	}
	return &Materializer{
		caller:   opts.Caller,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		errLog:   apperrors.NewLogger(opts.Logger),
		pageSize: opts.PageSize,
		subLimit: opts.SubLimit,
		onChange: opts.OnChange,
		views:    make(map[string]*view),
	}
}

// Dispatch applies an action. Only LoadAction talks to the server.
func (m *Materializer) Dispatch(ctx context.Context, a Action) error {
	switch a := a.(type) {
	case LoadAction:
		return m.load(ctx, a)
	case UpdateAction:
		m.update(a.Rooms)
		return nil
	case ResetAction:
		items, err := decodeItems(a.Items)
		m.reset(a.View, items)
		return err
	case *LoadAction:
		return m.Dispatch(ctx, *a)
	case *UpdateAction:
		return m.Dispatch(ctx, *a)
	case *ResetAction:
		return m.Dispatch(ctx, *a)
	}
	return apperrors.NewValidationError("action", "unsupported roster action")
}

// HandleEvent folds Event.RosterRoom and Event.RosterSection pushes.
func (m *Materializer) HandleEvent(in *protocol.Inbound) {
	switch in.MsgType {
	case protocol.TypeEventRosterRoom:
		ev, err := protocol.DecodeAs[protocol.EventRosterRoom](in)
		if err != nil {
			m.errLog.LogError(err, "Failed to decode roster room event")
			return
		}
		m.update([]*protocol.EventRosterRoom{ev})
	case protocol.TypeEventRosterSection:
		ev, err := protocol.DecodeAs[protocol.EventRosterSection](in)
		if err != nil {
			m.errLog.LogError(err, "Failed to decode roster section event")
			return
		}
		m.mu.Lock()
		v := m.viewLocked(ev.View)
		if v.upsertSection(ev) {
			v.sort()
		}
		m.mu.Unlock()
		m.changed(ev.View)
	}
}

// Subscribe subscribes to the roster topic and resets every view the
// reply carries.
func (m *Materializer) Subscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	m.topic = topic
	gen := m.generation
	m.mu.Unlock()

	in, err := m.caller.Call(ctx, &protocol.RosterSub{
		Header: protocol.Header{MsgType: protocol.TypeRosterSub},
		Topic:  topic,
		Limit:  m.subLimit,
	})
	if err != nil {
		return err
	}
	ok, err := protocol.Expect[protocol.RosterSubOk](in, protocol.TypeRosterSubOk)
	if err != nil {
		return err
	}
	items, decodeErr := decodeItems(ok.Items)
	byView := make(map[string][]rosterItem)
	var order []string
	for _, item := range items {
		id := item.view()
		if _, seen := byView[id]; !seen {
			order = append(order, id)
		}
		byView[id] = append(byView[id], item)
	}
	if !m.current(gen) {
		return nil
	}
	for _, id := range order {
		m.reset(id, byView[id])
	}
	m.logger.WithFields(logrus.Fields{
		"topic": topic,
		"views": len(order),
	}).Debug("Roster subscribed")
	return decodeErr
}

// Unsubscribe drops the roster subscription.
func (m *Materializer) Unsubscribe(ctx context.Context) error {
	topic := m.Topic()
	if topic == "" {
		return nil
	}
	in, err := m.caller.Call(ctx, &protocol.StreamUnSub{
		Header: protocol.Header{MsgType: protocol.TypeStreamUnSub},
		Topic:  topic,
	})
	if err != nil {
		return err
	}
	_, err = protocol.Expect[protocol.Header](in, protocol.TypeStreamUnSubOk)
	return err
}

// OpenView opens a view restricted to sections and filter, and resets it
// from the reply snapshot.
func (m *Materializer) OpenView(ctx context.Context, viewID string, sections []string, filter *protocol.RosterFilter) error {
	topic, gen, err := m.requireTopic()
	if err != nil {
		return err
	}
	in, err := m.caller.Call(ctx, &protocol.RosterOpenView{
		Header:   protocol.Header{MsgType: protocol.TypeRosterOpenView},
		Topic:    topic,
		View:     viewID,
		Sections: sections,
		Filter:   filter,
	})
	if err != nil {
		return err
	}
	ok, err := protocol.Expect[protocol.RosterOpenViewOk](in, protocol.TypeRosterOpenViewOk)
	if err != nil {
		return err
	}
	items, decodeErr := decodeItems(ok.Items)
	if m.current(gen) {
		m.reset(viewID, items)
	}
	return decodeErr
}

// CloseView closes a view on the server and evicts its local state. A view
// the server no longer knows is treated as closed.
func (m *Materializer) CloseView(ctx context.Context, viewID string) error {
	topic, _, err := m.requireTopic()
	if err != nil {
		return err
	}
	in, err := m.caller.Call(ctx, &protocol.RosterCloseView{
		Header: protocol.Header{MsgType: protocol.TypeRosterCloseView},
		Topic:  topic,
		View:   viewID,
	})
	switch {
	case err != nil && in != nil && in.MsgType == protocol.TypeRosterErr && in.Code == constants.StatusNotFound:
		m.logger.WithField("view", viewID).Debug("Roster view already closed")
	case err != nil:
		return err
	case in.MsgType != protocol.TypeRosterCloseViewOk:
		return apperrors.NewUnexpectedReplyError(protocol.TypeRosterCloseViewOk, in.MsgType)
	}
	m.Evict(viewID)
	return nil
}

// Evict forgets a view locally.
func (m *Materializer) Evict(viewID string) {
	m.mu.Lock()
	_, ok := m.views[viewID]
	delete(m.views, viewID)
	m.mu.Unlock()
	if ok {
		m.changed(viewID)
	}
}

// Clear drops every view and the topic. Replies to calls issued before
// Clear are discarded.
func (m *Materializer) Clear() {
	m.mu.Lock()
	m.generation++
	m.topic = ""
	m.views = make(map[string]*view)
	m.mu.Unlock()
}

// Topic returns the subscribed roster topic.
func (m *Materializer) Topic() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topic
}

// Views lists the materialized view ids.
func (m *Materializer) Views() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.views))
	for id := range m.views {
		ids = append(ids, id)
	}
	return ids
}

// Sections returns the view's sections in display order.
func (m *Materializer) Sections(viewID string) []Section {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[viewID]
	if !ok {
		return nil
	}
	return v.snapshot()
}

// Section returns one section of a view.
func (m *Materializer) Section(viewID, sectionID string) (Section, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[viewID]
	if !ok {
		return Section{}, false
	}
	s, ok := v.sections[sectionID]
	if !ok {
		return Section{}, false
	}
	return s.clone(), true
}

// Room returns the latest roster entry seen for a room in a view, whether
// or not the room currently sits in any section.
func (m *Materializer) Room(viewID, roomID string) (*protocol.EventRosterRoom, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[viewID]
	if !ok {
		return nil, false
	}
	r, ok := v.rooms[roomID]
	return r, ok
}

func (m *Materializer) load(ctx context.Context, a LoadAction) error {
	topic, gen, err := m.requireTopic()
	if err != nil {
		return err
	}

	m.mu.RLock()
	start := 1
	if v, ok := m.views[a.View]; ok {
		if s, ok := v.sections[a.SectionID]; ok {
			start = s.nextPosition()
		}
	}
	m.mu.RUnlock()

	fields := logrus.Fields{"view": a.View, "section_id": a.SectionID, "start_pos": start}
	in, err := m.caller.Call(ctx, &protocol.RosterGetRange{
		Header:    protocol.Header{MsgType: protocol.TypeRosterGetRange},
		Topic:     topic,
		View:      a.View,
		SectionID: a.SectionID,
		StartPos:  start,
		Limit:     m.pageSize,
	})
	if err == nil {
		var ok *protocol.RosterGetOk
		if ok, err = protocol.Expect[protocol.RosterGetOk](in, protocol.TypeRosterGetOk); err == nil {
			var items []rosterItem
			items, err = decodeItems(ok.Items)
			if m.current(gen) {
				m.mu.Lock()
				m.viewLocked(a.View).upsertItems(items)
				m.mu.Unlock()
				m.changed(a.View)
			}
		}
	}
	if err != nil {
		m.metrics.IncrementCounter(metrics.RosterLoads, map[string]string{"result": "error"}, "Roster section page loads")
		m.errLog.LogWarn(err, "Roster section load failed", fields)
		return err
	}
	m.metrics.IncrementCounter(metrics.RosterLoads, map[string]string{"result": "ok"}, "Roster section page loads")
	m.logger.WithFields(fields).Debug("Roster section loaded")
	return nil
}

func (m *Materializer) update(rooms []*protocol.EventRosterRoom) {
	touched := make(map[string]struct{})
	var order []string
	m.mu.Lock()
	for _, ev := range rooms {
		if ev == nil {
			continue
		}
		v := m.viewLocked(ev.View)
		if v.applyRoomEvent(ev) {
			v.sort()
		}
		if _, ok := touched[ev.View]; !ok {
			touched[ev.View] = struct{}{}
			order = append(order, ev.View)
		}
	}
	m.mu.Unlock()
	for _, id := range order {
		m.changed(id)
	}
}

func (m *Materializer) reset(viewID string, items []rosterItem) {
	v := newView(viewID)
	v.upsertItems(items)
	v.sort()
	m.mu.Lock()
	m.views[viewID] = v
	m.mu.Unlock()
	m.changed(viewID)
}

func (m *Materializer) viewLocked(viewID string) *view {
	v, ok := m.views[viewID]
	if !ok {
		v = newView(viewID)
		m.views[viewID] = v
	}
	return v
}

func (m *Materializer) requireTopic() (string, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.topic == "" {
		return "", 0, apperrors.New(apperrors.ErrCodeInvalidInput, "roster is not subscribed")
	}
	return m.topic, m.generation, nil
}

func (m *Materializer) current(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation == gen
}

func (m *Materializer) changed(viewID string) {
	if m.onChange != nil {
		m.onChange(viewID)
	}
}
