package timeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fogsync/internal/clock"
	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

// Caller is the part of the correlator a room uses.
type Caller interface {
	Call(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error)
	Send(msg protocol.Message) error
}

// Options configures a Room.
type Options struct {
	Caller Caller
	Clock  clock.Clock
	Logger *logrus.Logger
	// Metrics defaults to the process registry.
	Metrics *metrics.Registry
	RoomID  string
	// UserID is the local principal. Its own messages advance the seen
	// watermark.
	UserID string
	// SeenTopic is the user's seen stream, read once on open.
	SeenTopic      string
	AroundID       string
	PageSize       int
	TypingThrottle time.Duration
	// OnChange runs after the visible state changed.
	OnChange func()
}

// Room is the timeline of one open room.
type Room struct {
	caller         Caller
	clock          clock.Clock
	logger         *logrus.Logger
	metrics        *metrics.Registry
	roomID         string
	userID         string
	seenTopic      string
	pageSize       int
	typingThrottle time.Duration
	onChange       func()
	store          *Store

	mu             sync.Mutex
	open           bool
	generation     uint64
	fetchingOlder  bool
	fetchingNewer  bool
	aroundFetching bool
	aroundFetched  bool
	seenUpTo       string
	typingNames    string
	lastTyping     time.Time
	linksRequested map[string]struct{}
	wg             sync.WaitGroup
}

// NewRoom creates a closed Room.
func NewRoom(opts Options) *Room {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
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
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = constants.DefaultTypingThrottleMs * time.Millisecond
	}
	mode := ModeLatest
	if opts.AroundID != "" {
		mode = ModeAround
	}
	return &Room{
		caller:         opts.Caller,
		clock:          opts.Clock,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		roomID:         opts.RoomID,
		userID:         opts.UserID,
		seenTopic:      opts.SeenTopic,
		pageSize:       opts.PageSize,
		typingThrottle: opts.TypingThrottle,
		onChange:       opts.OnChange,
		store:          NewStore(mode),
		linksRequested: make(map[string]struct{}),
	}
}

// MessagesTopic is the message stream of a room.
func MessagesTopic(roomID string) string { return "room/" + roomID + "/messages" }

// TypingTopic is the typing stream of a room.
func TypingTopic(roomID string) string { return "room/" + roomID + "/typing" }

// ID returns the room id.
func (r *Room) ID() string { return r.roomID }

// Store exposes the underlying buffers.
func (r *Room) Store() *Store { return r.store }

// Open subscribes to the room's message and typing streams, loads the
// newest page and the initial seen watermark.
func (r *Room) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.open {
		r.mu.Unlock()
		return nil
	}
	r.open = true
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	log := r.logger.WithField("room_id", r.roomID)
	sub, err := r.streamSub(ctx, MessagesTopic(r.roomID))
	if err != nil {
		return err
	}
	if msgs := r.extractMessages(sub.Items); r.live(gen) {
		r.ingest(gen, msgs, SourceEvent)
	}

	page, err := r.streamGet(ctx, &protocol.StreamGet{
		Topic: MessagesTopic(r.roomID),
		Since: r.store.LatestLoadedTs(),
		Limit: r.pageSize,
	})
	if err != nil {
		return err
	}
	if msgs := r.extractMessages(page.Items); r.live(gen) {
		r.ingest(gen, msgs, SourceEvent)
		r.store.SetNewerComplete(len(page.Items) == 0)
	}

	if typing, err := r.streamSub(ctx, TypingTopic(r.roomID)); err != nil {
		log.WithError(err).Debug("Typing subscribe failed")
	} else {
		events, _ := protocol.Extract[protocol.EventTyping](typing.Items, protocol.TypeEventTyping)
		for _, ev := range events {
			r.applyTyping(ev)
		}
	}

	if r.seenTopic != "" {
		if err := r.loadSeen(ctx, gen); err != nil {
			log.WithError(err).Debug("Seen watermark load failed")
		}
	}

	log.Debug("Room opened")
	r.changed()
	return nil
}

// Close unsubscribes and drops all cached messages. Fetches still in
// flight complete without effect.
func (r *Room) Close(ctx context.Context) error {
	if !r.Invalidate() {
		return nil
	}

	var firstErr error
	for _, topic := range []string{MessagesTopic(r.roomID), TypingTopic(r.roomID)} {
		in, err := r.caller.Call(ctx, &protocol.StreamUnSub{
			Header: protocol.Header{MsgType: protocol.TypeStreamUnSub},
			Topic:  topic,
		})
		if err == nil && in.MsgType != protocol.TypeStreamUnSubOk {
			err = apperrors.NewUnexpectedReplyError(protocol.TypeStreamUnSubOk, in.MsgType)
		}
		if err != nil {
			r.logger.WithError(err).WithField("topic", topic).Debug("Unsubscribe failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Invalidate marks the room closed and drops local state without telling
// the server, for when the server side is already gone. It reports
// whether the room was open.
func (r *Room) Invalidate() bool {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return false
	}
	r.open = false
	r.generation++
	r.fetchingOlder, r.fetchingNewer = false, false
	r.aroundFetching, r.aroundFetched = false, false
	r.typingNames = ""
	r.linksRequested = make(map[string]struct{})
	r.mu.Unlock()

	r.store.Reset()
	r.changed()
	return true
}

// Reopen reloads the room on a new connection.
func (r *Room) Reopen(ctx context.Context) error {
	r.Invalidate()
	return r.Open(ctx)
}

// Wait blocks until background link and seen calls finish.
func (r *Room) Wait() {
	r.wg.Wait()
}

// IsOpen reports whether the room is open.
func (r *Room) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Messages returns the visible messages, oldest first.
func (r *Room) Messages() []*protocol.EventMessage { return r.store.Messages() }

// Mode returns the visible buffer.
func (r *Room) Mode() Mode { return r.store.Mode() }

// Sources returns the link preview messages of a message.
func (r *Room) Sources(targetID string) ([]*protocol.EventMessage, bool) {
	return r.store.Sources(targetID)
}

// Status is a snapshot of the paging flags.
type Status struct {
	FetchingOlder  bool
	FetchingNewer  bool
	OlderComplete  bool
	NewerComplete  bool
	AroundFetching bool
	AroundFetched  bool
}

// Status returns the paging flags.
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		FetchingOlder:  r.fetchingOlder,
		FetchingNewer:  r.fetchingNewer,
		OlderComplete:  r.store.OlderComplete(),
		NewerComplete:  r.store.NewerComplete(),
		AroundFetching: r.aroundFetching,
		AroundFetched:  r.aroundFetched,
	}
}

// FetchOlderPage loads messages created before beforeTs. A failed fetch
// is returned and leaves the room in its fetching state.
func (r *Room) FetchOlderPage(ctx context.Context, beforeTs int64) error {
	gen, err := r.begin(func() { r.fetchingOlder = true })
	if err != nil {
		return err
	}
	page, err := r.streamGet(ctx, &protocol.StreamGet{
		Topic:  MessagesTopic(r.roomID),
		Before: beforeTs,
		Limit:  r.pageSize,
	})
	if err != nil {
		return r.fetchFailed("older", err)
	}
	msgs := r.extractMessages(page.Items)
	if !r.live(gen) {
		return nil
	}
	known := true
	for _, m := range msgs {
		if !r.store.Visible(m.ID) {
			known = false
			break
		}
	}
	r.ingest(gen, msgs, SourcePage)
	if len(msgs) == 0 || known {
		r.store.SetOlderComplete(true)
	}
	r.mu.Lock()
	r.fetchingOlder = false
	r.mu.Unlock()
	r.changed()
	return nil
}

// FetchNewerPage loads messages created after sinceTs.
func (r *Room) FetchNewerPage(ctx context.Context, sinceTs int64) error {
	gen, err := r.begin(func() { r.fetchingNewer = true })
	if err != nil {
		return err
	}
	page, err := r.streamGet(ctx, &protocol.StreamGet{
		Topic: MessagesTopic(r.roomID),
		Since: sinceTs,
		Limit: r.pageSize,
	})
	if err != nil {
		return r.fetchFailed("newer", err)
	}
	msgs := r.extractMessages(page.Items)
	if !r.live(gen) {
		return nil
	}
	if !r.ingest(gen, msgs, SourcePage) {
		r.store.SetNewerComplete(len(page.Items) == 0)
	}
	r.mu.Lock()
	r.fetchingNewer = false
	r.mu.Unlock()
	r.changed()
	return nil
}

// FetchAroundID loads a window centered on id. If the live tail already
// holds id nothing is fetched.
func (r *Room) FetchAroundID(ctx context.Context, id string) error {
	if r.store.Mode() == ModeLatest && r.store.InLatest(id) {
		r.mu.Lock()
		r.aroundFetched, r.aroundFetching = true, false
		r.mu.Unlock()
		return nil
	}
	gen, err := r.begin(func() {
		r.aroundFetching = true
		r.aroundFetched = false
	})
	if err != nil {
		return err
	}
	r.store.ClearAround()
	r.store.SetOlderComplete(false)
	r.store.SetNewerComplete(false)

	page, err := r.streamGet(ctx, &protocol.StreamGet{
		Topic:    MessagesTopic(r.roomID),
		AroundID: id,
		Limit:    r.pageSize,
	})
	if err != nil {
		return r.fetchFailed("around", err)
	}
	msgs := r.extractMessages(page.Items)
	if !r.live(gen) {
		return nil
	}
	r.store.SetMode(ModeAround)
	r.store.SetNewerComplete(false)
	r.ingest(gen, msgs, SourcePage)
	r.mu.Lock()
	r.aroundFetched, r.aroundFetching = true, false
	r.mu.Unlock()
	r.changed()
	return nil
}

// ResetToLatest leaves the around window. The live tail is refetched
// unless it was already complete.
func (r *Room) ResetToLatest(ctx context.Context) error {
	refetch := !r.store.NewerComplete()
	r.store.SetMode(ModeLatest)
	r.store.SetOlderComplete(false)
	r.store.SetNewerComplete(false)
	r.mu.Lock()
	r.aroundFetched, r.aroundFetching = false, false
	r.mu.Unlock()
	r.changed()
	if !refetch {
		return nil
	}
	r.store.ClearLatest()
	return r.FetchNewerPage(ctx, 0)
}

// Ingest folds messages in and expands their links.
func (r *Room) Ingest(msgs []*protocol.EventMessage, src Source) {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()
	r.ingest(gen, msgs, src)
	r.changed()
}

// ingest reports whether the around window joined the live tail.
func (r *Room) ingest(gen uint64, msgs []*protocol.EventMessage, src Source) bool {
	r.expandLinks(gen, msgs)
	if !r.store.Ingest(msgs, src) {
		return false
	}
	r.logger.WithField("room_id", r.roomID).Debug("Around window joined the live tail")
	return true
}

// HandleEvent folds pushes addressed to this room.
func (r *Room) HandleEvent(in *protocol.Inbound) {
	var err error
	switch in.MsgType {
	case protocol.TypeEventMessage:
		var ev *protocol.EventMessage
		if ev, err = protocol.DecodeAs[protocol.EventMessage](in); err != nil || ev.RoomID != r.roomID {
			break
		}
		if r.userID != "" && ev.FromID == r.userID {
			r.markSeenAsync(ev.ID)
		}
		r.Ingest([]*protocol.EventMessage{ev}, SourceEvent)
	case protocol.TypeEventSeen:
		var ev *protocol.EventSeen
		if ev, err = protocol.DecodeAs[protocol.EventSeen](in); err != nil || ev.RoomID != r.roomID {
			break
		}
		r.setSeen(ev.MessageID)
		r.changed()
	case protocol.TypeEventUser:
		var ev *protocol.EventUser
		if ev, err = protocol.DecodeAs[protocol.EventUser](in); err != nil {
			break
		}
		r.store.UpdateAuthorAvatar(ev.UserID, ev.AvatarURL)
		r.changed()
	case protocol.TypeEventTyping:
		var ev *protocol.EventTyping
		if ev, err = protocol.DecodeAs[protocol.EventTyping](in); err != nil {
			break
		}
		if r.applyTyping(ev) {
			r.changed()
		}
	}
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"room_id":  r.roomID,
			"msg_type": in.MsgType,
		}).Error("Failed to decode room event")
	}
}

// expandLinks stores embedded link sources, or fetches the linked range
// when the message only names it.
func (r *Room) expandLinks(gen uint64, msgs []*protocol.EventMessage) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if len(m.Sources) > 0 {
			r.store.SetSources(m.ID, m.Sources)
			continue
		}
		if !m.HasLink() {
			continue
		}
		r.mu.Lock()
		_, requested := r.linksRequested[m.ID]
		if !requested {
			r.linksRequested[m.ID] = struct{}{}
			r.wg.Add(1)
		}
		r.mu.Unlock()
		if requested {
			continue
		}
		go r.fetchLink(gen, m.ID, m.LinkRoomID, m.LinkStartMessageID, m.LinkEndMessageID)
	}
}

func (r *Room) fetchLink(gen uint64, targetID, roomID, startID, endID string) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), linkFetchTimeout)
	defer cancel()

	page, err := r.streamGet(ctx, &protocol.StreamGet{
		Topic:   MessagesTopic(roomID),
		StartID: startID,
		EndID:   endID,
	})
	if err != nil {
		r.logger.WithError(err).WithField("message_id", targetID).Debug("Link expansion failed")
		return
	}
	msgs := r.extractMessages(page.Items)
	if !r.live(gen) {
		return
	}
	r.store.SetSources(targetID, msgs)
	r.changed()
}

const linkFetchTimeout = 30 * time.Second

func (r *Room) begin(mark func()) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "room is not open").
			WithContext("room_id", r.roomID)
	}
	mark()
	return r.generation, nil
}

// fetchFailed records a failed page fetch. The fetching flag stays set.
func (r *Room) fetchFailed(kind string, err error) error {
	r.metrics.IncrementCounter(metrics.TimelineFetches, map[string]string{"kind": kind, "result": "error"}, "Timeline page fetches")
	r.logger.WithError(err).WithFields(logrus.Fields{
		"room_id": r.roomID,
		"kind":    kind,
	}).Debug("Timeline fetch failed")
	return err
}

func (r *Room) live(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open && r.generation == gen
}

func (r *Room) streamSub(ctx context.Context, topic string) (*protocol.StreamSubOk, error) {
	in, err := r.caller.Call(ctx, &protocol.StreamSub{
		Header: protocol.Header{MsgType: protocol.TypeStreamSub},
		Topic:  topic,
	})
	if err != nil {
		return nil, err
	}
	return protocol.Expect[protocol.StreamSubOk](in, protocol.TypeStreamSubOk)
}

func (r *Room) streamGet(ctx context.Context, req *protocol.StreamGet) (*protocol.StreamGetOk, error) {
	req.Header = protocol.Header{MsgType: protocol.TypeStreamGet}
	in, err := r.caller.Call(ctx, req)
	if err == nil {
		var ok *protocol.StreamGetOk
		if ok, err = protocol.Expect[protocol.StreamGetOk](in, protocol.TypeStreamGetOk); err == nil {
			r.metrics.IncrementCounter(metrics.TimelineFetches, map[string]string{"kind": fetchKind(req), "result": "ok"}, "Timeline page fetches")
			return ok, nil
		}
	}
	return nil, err
}

func fetchKind(req *protocol.StreamGet) string {
	switch {
	case req.AroundID != "":
		return "around"
	case req.StartID != "":
		return "link"
	case req.Before != 0:
		return "older"
	}
	return "newer"
}

func (r *Room) extractMessages(items []*protocol.Inbound) []*protocol.EventMessage {
	msgs, err := protocol.Extract[protocol.EventMessage](items, protocol.TypeEventMessage)
	if err != nil {
		r.logger.WithError(err).WithField("room_id", r.roomID).Warn("Skipped undecodable messages")
	}
	return msgs
}

func (r *Room) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

func firstName(name string) string {
	if i := strings.IndexByte(name, ' '); i >= 0 {
		return name[:i]
	}
	return name
}
