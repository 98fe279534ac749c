package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/subscription"
	"fogsync/internal/timeline"
	"fogsync/internal/tracing"
	"fogsync/pkg/protocol"
)

// Subscription manager keys.
const (
	keyDirectory = "directory|"
	keyRoster    = "roster|"
	keyRoom      = "room|"
)

type roomHandle struct {
	room     *timeline.Room
	releases []subscription.Release
}

// AcquireRoster subscribes to the directory topics and, when the scope has
// one, the sectioned roster. Consumers share one server subscription; the
// last release unsubscribes.
func (c *Client) AcquireRoster(ctx context.Context) (subscription.Release, error) {
	scope := c.directory.Scope()
	if scope.UserID == "" {
		return nil, apperrors.New(apperrors.ErrCodeAuthentication, "roster requires an authenticated session")
	}
	ctx, span := tracing.StartSpan(ctx, "client.acquire_roster")
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	topics := c.directory.Topics()
	releaseDirectory, err := c.subs.Acquire(ctx, keyDirectory+strings.Join(topics, ","), c.subscribeDirectory(topics))
	if err != nil {
		spanErr = err
		return nil, err
	}
	releases := []subscription.Release{releaseDirectory}

	if topic := scope.RosterTopic(); topic != "" {
		releaseRoster, err := c.subs.Acquire(ctx, keyRoster+topic, c.subscribeRoster(topic))
		if err != nil {
			releaseDirectory()
			spanErr = err
			return nil, err
		}
		releases = append(releases, releaseRoster)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, release := range releases {
				release()
			}
		})
	}, nil
}

func (c *Client) subscribeDirectory(topics []string) subscription.Subscribe {
	return func(ctx context.Context) (subscription.Unsubscribe, error) {
		if err := c.directory.Subscribe(ctx); err != nil {
			return nil, err
		}
		if _, err := c.directory.LoadRooms(ctx); err != nil {
			c.errLog.LogWarn(err, "Initial room load failed")
		}
		if _, err := c.directory.LoadBadges(ctx); err != nil {
			c.errLog.LogWarn(err, "Initial badge load failed")
		}
		if c.directory.Scope().IsAgent() {
			if _, err := c.directory.LoadCustomers(ctx); err != nil {
				c.errLog.LogWarn(err, "Initial customer load failed")
			}
		}
		return c.unsubscribeTopics(topics), nil
	}
}

func (c *Client) subscribeRoster(topic string) subscription.Subscribe {
	return func(ctx context.Context) (subscription.Unsubscribe, error) {
		if err := c.roster.Subscribe(ctx, topic); err != nil {
			return nil, err
		}
		return c.unsubscribeTopics([]string{topic}), nil
	}
}

// unsubscribeTopics captures the topics so a later scope change cannot
// redirect the teardown.
func (c *Client) unsubscribeTopics(topics []string) subscription.Unsubscribe {
	return func(ctx context.Context) error {
		var firstErr error
		for _, topic := range topics {
			in, err := c.correlator.Call(ctx, &protocol.StreamUnSub{
				Header: protocol.Header{MsgType: protocol.TypeStreamUnSub},
				Topic:  topic,
			})
			if err == nil && in.MsgType != protocol.TypeStreamUnSubOk {
				err = apperrors.NewUnexpectedReplyError(protocol.TypeStreamUnSubOk, in.MsgType)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

// subscribeFor rebuilds the subscribe step of an active key after a
// reconnect. Keys of a previous scope are skipped.
func (c *Client) subscribeFor(key string) subscription.Subscribe {
	switch {
	case strings.HasPrefix(key, keyDirectory):
		topics := c.directory.Topics()
		if key != keyDirectory+strings.Join(topics, ",") {
			return nil
		}
		return c.subscribeDirectory(topics)
	case strings.HasPrefix(key, keyRoster):
		topic := strings.TrimPrefix(key, keyRoster)
		if topic != c.directory.Scope().RosterTopic() {
			return nil
		}
		return c.subscribeRoster(topic)
	case strings.HasPrefix(key, keyRoom):
		roomID := strings.TrimPrefix(key, keyRoom)
		c.mu.Lock()
		h := c.rooms[roomID]
		c.mu.Unlock()
		if h == nil {
			return nil
		}
		room := h.room
		return func(ctx context.Context) (subscription.Unsubscribe, error) {
			if err := room.Reopen(ctx); err != nil {
				room.Invalidate()
				return nil, err
			}
			return c.closeRoomFunc(roomID, room), nil
		}
	}
	return nil
}

// OpenRoom opens the timeline of roomID, or takes another reference on it
// if it is already open. Every successful OpenRoom needs a CloseRoom.
func (c *Client) OpenRoom(ctx context.Context, roomID string) (*timeline.Room, error) {
	if roomID == "" {
		return nil, apperrors.NewValidationError("room_id", "room id is required")
	}
	session := c.machine.Session()
	if session == nil {
		return nil, apperrors.New(apperrors.ErrCodeAuthentication, "opening a room requires an authenticated session")
	}
	ctx, span := tracing.StartSpan(ctx, "client.open_room", tracing.AttrRoomID.String(roomID))
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeConnectionClosed, "client closed")
	}
	h, ok := c.rooms[roomID]
	if !ok {
		h = &roomHandle{room: c.newRoom(roomID, session.UserID)}
		c.rooms[roomID] = h
	}
	room := h.room
	c.mu.Unlock()

	release, err := c.subs.Acquire(ctx, keyRoom+roomID, func(ctx context.Context) (subscription.Unsubscribe, error) {
		if err := room.Open(ctx); err != nil {
			room.Invalidate()
			return nil, err
		}
		return c.closeRoomFunc(roomID, room), nil
	})
	if err != nil {
		c.mu.Lock()
		if c.rooms[roomID] == h && len(h.releases) == 0 {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		spanErr = err
		return nil, err
	}

	c.mu.Lock()
	h.releases = append(h.releases, release)
	c.mu.Unlock()

	if _, known := c.directory.RoomByID(roomID); !known && c.directory.Scope().RosterTopic() != "" {
		c.directory.Resolver().Request(roomID)
	}
	return room, nil
}

func (c *Client) newRoom(roomID, userID string) *timeline.Room {
	return timeline.NewRoom(timeline.Options{
		Caller:         c.correlator,
		Clock:          c.clock,
		Logger:         c.logger,
		Metrics:        c.metrics,
		RoomID:         roomID,
		UserID:         userID,
		SeenTopic:      c.directory.Scope().SeenTopic(),
		PageSize:       c.cfg.PageSize,
		TypingThrottle: constants.DefaultTypingThrottleMs * time.Millisecond,
		OnChange: func() {
			if c.hooks.OnRoomChange != nil {
				c.hooks.OnRoomChange(roomID)
			}
		},
	})
}

func (c *Client) closeRoomFunc(roomID string, room *timeline.Room) subscription.Unsubscribe {
	return func(ctx context.Context) error {
		c.mu.Lock()
		if h := c.rooms[roomID]; h != nil && h.room == room {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		return room.Close(ctx)
	}
}

// CloseRoom gives up one reference taken by OpenRoom. The last one
// unsubscribes and drops the cached timeline.
func (c *Client) CloseRoom(roomID string) {
	c.mu.Lock()
	h := c.rooms[roomID]
	if h == nil || len(h.releases) == 0 {
		c.mu.Unlock()
		return
	}
	release := h.releases[len(h.releases)-1]
	h.releases = h.releases[:len(h.releases)-1]
	c.mu.Unlock()
	release()
}

// Room returns an open room.
func (c *Client) Room(roomID string) (*timeline.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.rooms[roomID]
	if !ok {
		return nil, false
	}
	return h.room, true
}

func (c *Client) openRooms() []*timeline.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]*timeline.Room, 0, len(c.rooms))
	for _, h := range c.rooms {
		rooms = append(rooms, h.room)
	}
	return rooms
}

// UpdateRoom renames a room or changes its members or tags, then
// refetches it into the directory.
func (c *Client) UpdateRoom(ctx context.Context, req *protocol.RoomUpdate) error {
	if req == nil || req.RoomID == "" {
		return apperrors.NewValidationError("room_id", "room id is required")
	}
	req.MsgType = protocol.TypeRoomUpdate
	return c.mutateRoom(ctx, req.RoomID, req)
}

// SetRoomResolved resolves or reopens a room.
func (c *Client) SetRoomResolved(ctx context.Context, roomID string, resolved bool) error {
	if roomID == "" {
		return apperrors.NewValidationError("room_id", "room id is required")
	}
	var msg protocol.Message = &protocol.RoomUnresolve{
		Header: protocol.Header{MsgType: protocol.TypeRoomUnresolve},
		RoomID: roomID,
	}
	if resolved {
		msg = &protocol.RoomResolve{
			Header: protocol.Header{MsgType: protocol.TypeRoomResolve},
			RoomID: roomID,
		}
	}
	return c.mutateRoom(ctx, roomID, msg)
}

func (c *Client) mutateRoom(ctx context.Context, roomID string, msg protocol.Message) error {
	in, err := c.correlator.Call(ctx, msg)
	if err != nil {
		return err
	}
	if _, err := protocol.Expect[protocol.RoomOk](in, protocol.TypeRoomOk); err != nil {
		return err
	}
	c.refreshRoom(ctx, roomID)
	return nil
}

// refreshRoom replaces the directory copy of a room after a mutation the
// server acknowledged.
func (c *Client) refreshRoom(ctx context.Context, roomID string) {
	if c.directory.Scope().RosterTopic() == "" {
		return
	}
	if _, err := c.directory.Resolver().Resolve(ctx, roomID); err != nil {
		c.errLog.LogWarn(err, "Failed to refetch room after update")
	}
}

// UploadFile sends a file to a room as a binary frame and returns the
// server's file id, to be attached with a following message.
func (c *Client) UploadFile(ctx context.Context, roomID, fileName, fileType string, data []byte) (string, error) {
	if roomID == "" {
		return "", apperrors.NewValidationError("room_id", "room id is required")
	}
	if len(data) == 0 {
		return "", apperrors.NewValidationError("binary_data", "file is empty")
	}
	in, err := c.correlator.Call(ctx, &protocol.FileUpload{
		Header:     protocol.Header{MsgType: protocol.TypeFileUpload},
		RoomID:     roomID,
		FileName:   fileName,
		FileType:   fileType,
		BinaryData: data,
	})
	if err != nil {
		return "", err
	}
	ok, err := protocol.Expect[protocol.FileOk](in, protocol.TypeFileOk)
	if err != nil {
		return "", err
	}
	return ok.FileID, nil
}
