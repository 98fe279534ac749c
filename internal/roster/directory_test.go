package roster

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

func newTestDirectory(caller Caller, scope Scope) *Directory {
	d := NewDirectory(DirectoryOptions{
		Caller:  caller,
		Logger:  quietLogger(),
		Metrics: metrics.NewRegistry(),
	})
	d.SetScope(scope)
	return d
}

func roomIn(id string, createdTs int64) *protocol.EventRoom {
	return &protocol.EventRoom{
		Header:      protocol.Header{MsgType: protocol.TypeEventRoom},
		ID:          id,
		Name:        id,
		Type:        protocol.RoomPublic,
		WorkspaceID: "w1",
		CreatedTs:   createdTs,
	}
}

func streamGetOk(t *testing.T, msg protocol.Message, prev string, items ...protocol.Message) *protocol.Inbound {
	t.Helper()
	ok := &protocol.StreamGetOk{
		Header: protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeStreamGetOk},
		Topic:  msg.(*protocol.StreamGet).Topic,
		Prev:   prev,
	}
	for _, item := range items {
		ok.Items = append(ok.Items, inbound(t, item))
	}
	return inbound(t, ok)
}

func TestScope_Topics(t *testing.T) {
	agent := Scope{UserID: "a1", WorkspaceID: "w1"}
	assert.True(t, agent.IsAgent())
	assert.Equal(t, "workspace/w1/roster", agent.RosterTopic())
	assert.Equal(t, "workspace/w1/rooms", agent.RoomsTopic())
	assert.Equal(t, "workspace/w1/customers", agent.CustomersTopic())
	assert.Equal(t, "agent/a1/badges", agent.BadgesTopic())
	assert.Equal(t, "agent/a1/seen", agent.SeenTopic())

	user := Scope{UserID: "u1", HelpdeskID: "h1"}
	assert.False(t, user.IsAgent())
	assert.Equal(t, "helpdesk/h1/roster", user.RosterTopic())
	assert.Equal(t, "helpdesk/h1/users", user.UsersTopic())
	assert.Empty(t, user.CustomersTopic())
	assert.Equal(t, "user/u1/badges", user.BadgesTopic())

	assert.Empty(t, Scope{}.RosterTopic())
	assert.Empty(t, Scope{}.SeenTopic())
}

func TestCounterpart(t *testing.T) {
	dialog := &protocol.EventRoom{
		Created: true,
		Type:    protocol.RoomDialog,
		Members: []protocol.RoomMember{{ID: "me"}, {ID: "u2", Name: "Bo"}},
	}
	cp := counterpartOf(dialog, "me")
	require.NotNil(t, cp)
	assert.Equal(t, "u2", cp.ID)

	public := &protocol.EventRoom{Created: true, Type: protocol.RoomPublic, Members: dialog.Members}
	assert.Nil(t, counterpartOf(public, "me"))

	search := &protocol.EventRoom{AgentID: "a9", Name: "Ann", ImageURL: "img"}
	cp = counterpartOf(search, "me")
	require.NotNil(t, cp)
	assert.Equal(t, protocol.RoomMember{ID: "a9", Type: protocol.FromAgent, Name: "Ann", ImageURL: "img"}, *cp)

	assert.Nil(t, counterpartOf(&protocol.EventRoom{}, "me"))
}

func TestDirectory_RoomEvents(t *testing.T) {
	d := newTestDirectory(nil, Scope{UserID: "u1", WorkspaceID: "w1"})

	d.HandleEvent(inbound(t, roomIn("r1", 10)))
	d.HandleEvent(inbound(t, roomIn("r2", 20)))
	other := roomIn("r3", 30)
	other.WorkspaceID = "w2"
	d.HandleEvent(inbound(t, other))

	rooms := d.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "r2", rooms[0].ID)

	removed := roomIn("r2", 20)
	removed.Remove = true
	d.HandleEvent(inbound(t, removed))
	rooms = d.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].ID)
}

func TestDirectory_RoomsWithoutUserAreIgnored(t *testing.T) {
	d := newTestDirectory(nil, Scope{WorkspaceID: "w1"})
	d.HandleEvent(inbound(t, roomIn("r1", 10)))
	assert.Empty(t, d.Rooms())
}

func TestDirectory_UnreadRoomsFirst(t *testing.T) {
	d := newTestDirectory(nil, Scope{UserID: "u1", WorkspaceID: "w1"})
	for _, r := range []*protocol.EventRoom{roomIn("old", 1), roomIn("mid", 2), roomIn("new", 3)} {
		d.HandleEvent(inbound(t, r))
	}
	d.HandleEvent(inbound(t, &protocol.EventBadge{
		Header: protocol.Header{MsgType: protocol.TypeEventBadge},
		RoomID: "old",
		Count:  2,
	}))
	d.HandleEvent(inbound(t, &protocol.EventBadge{
		Header:          protocol.Header{MsgType: protocol.TypeEventBadge},
		RoomID:          "mid",
		LastRoomMessage: &protocol.EventMessage{ID: "m", CreatedTs: 100},
	}))

	var ids []string
	for _, r := range d.Rooms() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"old", "mid", "new"}, ids)
}

func TestDirectory_AvatarUpdate(t *testing.T) {
	d := newTestDirectory(nil, Scope{UserID: "u1", WorkspaceID: "w1"})
	dialog := roomIn("d1", 1)
	dialog.Created = true
	dialog.Type = protocol.RoomDialog
	dialog.Members = []protocol.RoomMember{{ID: "u1"}, {ID: "u2", ImageURL: "old"}}
	d.HandleEvent(inbound(t, dialog))

	d.HandleEvent(inbound(t, &protocol.EventUser{
		Header:    protocol.Header{MsgType: protocol.TypeEventUser},
		UserID:    "u2",
		AvatarURL: "new",
	}))

	room, ok := d.RoomByID("d1")
	require.True(t, ok)
	assert.Equal(t, "new", room.Counterpart.ImageURL)
	assert.Equal(t, "new", room.Members[1].ImageURL)
	assert.Empty(t, room.Members[0].ImageURL)
}

func TestDirectory_LoadRoomsPaging(t *testing.T) {
	caller := &fakeCaller{}
	d := newTestDirectory(caller, Scope{UserID: "u1", WorkspaceID: "w1"})

	page := 0
	caller.handler = func(msg protocol.Message) (*protocol.Inbound, error) {
		page++
		if page == 1 {
			return streamGetOk(t, msg, "", roomIn("r2", 20), roomIn("r1", 10)), nil
		}
		return streamGetOk(t, msg, ""), nil
	}

	done, err := d.LoadRooms(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	done, err = d.LoadRooms(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	calls := caller.sent()
	require.Len(t, calls, 2)
	first, second := calls[0].(*protocol.StreamGet), calls[1].(*protocol.StreamGet)
	assert.Equal(t, "workspace/w1/rooms", first.Topic)
	assert.Zero(t, first.Before)
	assert.Equal(t, 30, first.Limit)
	assert.Equal(t, int64(10), second.Before)
	assert.Len(t, d.Rooms(), 2)

	done, err = d.LoadRooms(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, caller.sent(), 2, "loaded directory does not refetch")
}

func TestDirectory_LoadBadgesFollowsPrevCursor(t *testing.T) {
	caller := &fakeCaller{}
	d := newTestDirectory(caller, Scope{UserID: "a1", WorkspaceID: "w1"})
	caller.handler = func(msg protocol.Message) (*protocol.Inbound, error) {
		switch req := msg.(type) {
		case *protocol.StreamGet:
			if req.Prev == "" {
				return streamGetOk(t, msg, "c1", &protocol.EventBadge{
					Header: protocol.Header{MsgType: protocol.TypeEventBadge}, RoomID: "r1", Count: 1,
				}), nil
			}
			return streamGetOk(t, msg, ""), nil
		case *protocol.RosterGetRooms:
			return inbound(t, &protocol.RosterGetOk{
				Header: protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeRosterGetOk},
				Items:  []*protocol.Inbound{inbound(t, roomEvent("main", "r1", map[string]int{"INBOX": 1}))},
			}), nil
		}
		return nil, nil
	}

	done, err := d.LoadBadges(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	done, err = d.LoadBadges(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	d.Resolver().Wait()
	badge, ok := d.Badge("r1")
	require.True(t, ok)
	assert.Equal(t, 1, badge.Count)

	_, ok = d.RoomByID("r1")
	assert.True(t, ok, "unread badge resolves its room")

	var gets []*protocol.StreamGet
	for _, c := range caller.sent() {
		if g, ok := c.(*protocol.StreamGet); ok {
			gets = append(gets, g)
		}
	}
	require.Len(t, gets, 2)
	assert.Equal(t, "agent/a1/badges", gets[0].Topic)
	assert.Equal(t, 100, gets[0].Limit)
	assert.Equal(t, "c1", gets[1].Prev)
}

func TestDirectory_Customers(t *testing.T) {
	caller := &fakeCaller{}
	d := newTestDirectory(caller, Scope{UserID: "a1", WorkspaceID: "w1"})
	customer := func(id string, created, updated int64) *protocol.EventCustomer {
		return &protocol.EventCustomer{
			Header:    protocol.Header{MsgType: protocol.TypeEventCustomer},
			ID:        id,
			Name:      id,
			CreatedTs: created,
			UpdatedTs: updated,
		}
	}
	caller.handler = func(msg protocol.Message) (*protocol.Inbound, error) {
		return streamGetOk(t, msg, "", customer("c1", 5, 5), customer("c2", 3, 9)), nil
	}
	done, err := d.LoadCustomers(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	d.HandleEvent(inbound(t, customer("c1", 5, 20)))
	customers := d.Customers()
	require.Len(t, customers, 2)
	assert.Equal(t, "c1", customers[0].ID)
	assert.Equal(t, "c2", customers[1].ID)

	helpdesk := newTestDirectory(caller, Scope{UserID: "u1", HelpdeskID: "h1"})
	done, err = helpdesk.LoadCustomers(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDirectory_SetScopeClears(t *testing.T) {
	d := newTestDirectory(nil, Scope{UserID: "u1", WorkspaceID: "w1"})
	d.HandleEvent(inbound(t, roomIn("r1", 1)))
	d.HandleEvent(inbound(t, &protocol.EventBadge{
		Header: protocol.Header{MsgType: protocol.TypeEventBadge}, RoomID: "r1", Count: 1,
	}))

	d.SetScope(Scope{UserID: "u2", WorkspaceID: "w1"})
	assert.Empty(t, d.Rooms())
	assert.Empty(t, d.Badges())
	assert.Equal(t, "u2", d.Scope().UserID)
}

func TestDirectory_Subscribe(t *testing.T) {
	caller := &fakeCaller{}
	d := newTestDirectory(caller, Scope{UserID: "a1", WorkspaceID: "w1"})
	caller.handler = func(msg protocol.Message) (*protocol.Inbound, error) {
		return inbound(t, &protocol.StreamSubOk{
			Header: protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeStreamSubOk},
			Topic:  msg.(*protocol.StreamSub).Topic,
		}), nil
	}
	require.NoError(t, d.Subscribe(context.Background()))

	var topics []string
	for _, c := range caller.sent() {
		topics = append(topics, c.(*protocol.StreamSub).Topic)
	}
	assert.Equal(t, []string{
		"workspace/w1/rooms",
		"workspace/w1/users",
		"agent/a1/badges",
		"agent/a1/seen",
		"workspace/w1/customers",
	}, topics)
}

func TestResolver_DeduplicatesRequests(t *testing.T) {
	caller := &fakeCaller{}
	var calls atomic.Int32
	gate := make(chan struct{})
	caller.handler = func(msg protocol.Message) (*protocol.Inbound, error) {
		calls.Add(1)
		<-gate
		return inbound(t, &protocol.RosterGetOk{
			Header: protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeRosterGetOk},
			Items:  []*protocol.Inbound{inbound(t, roomEvent("main", "r1", map[string]int{"OPEN": 1}))},
		}), nil
	}
	d := newTestDirectory(caller, Scope{UserID: "u1", WorkspaceID: "w1"})

	for i := 0; i < 3; i++ {
		_, ok := d.RoomByID("r1")
		assert.False(t, ok)
	}
	assert.True(t, d.Resolver().Pending("r1"))
	close(gate)
	d.Resolver().Wait()

	assert.Equal(t, int32(1), calls.Load())
	room, ok := d.RoomByID("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", room.ID)
	assert.False(t, d.Resolver().Pending("r1"))

	req := caller.sent()[0].(*protocol.RosterGetRooms)
	assert.Equal(t, "workspace/w1/roster", req.Topic)
	assert.Equal(t, []string{"r1"}, req.RoomIDs)
}

func TestResolver_ResetDropsInFlightResult(t *testing.T) {
	caller := &fakeCaller{}
	gate := make(chan struct{})
	caller.handler = func(msg protocol.Message) (*protocol.Inbound, error) {
		<-gate
		return inbound(t, &protocol.RosterGetOk{
			Header: protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeRosterGetOk},
			Items:  []*protocol.Inbound{inbound(t, roomEvent("main", "r1", map[string]int{"OPEN": 1}))},
		}), nil
	}
	d := newTestDirectory(caller, Scope{UserID: "u1", WorkspaceID: "w1"})
	d.RoomByID("r1")
	require.Eventually(t, func() bool { return len(caller.sent()) == 1 }, timeout, tick)

	d.SetScope(Scope{UserID: "u1", WorkspaceID: "w1"})
	close(gate)
	d.Resolver().Wait()

	assert.Empty(t, d.Rooms())
	assert.False(t, d.Resolver().Pending("r1"))
}

func TestResolver_NoTopic(t *testing.T) {
	r := NewResolver(&fakeCaller{}, quietLogger(), metrics.NewRegistry(), func() string { return "" }, nil)
	_, err := r.Resolve(context.Background(), "r1")
	assert.Error(t, err)
}
