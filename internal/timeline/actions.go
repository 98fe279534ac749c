package timeline

import (
	"context"
	"strings"

	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

// MarkSeen advances the seen watermark to id. Ids at or below the current
// watermark are ignored; an empty id marks the whole room seen.
func (r *Room) MarkSeen(ctx context.Context, id string) error {
	if id != "" && id <= r.SeenUpTo() {
		return nil
	}
	in, err := r.caller.Call(ctx, &protocol.MessageSeen{
		Header:    protocol.Header{MsgType: protocol.TypeMessageSeen},
		RoomID:    r.roomID,
		MessageID: id,
	})
	if err == nil {
		_, err = protocol.Expect[protocol.MessageOk](in, protocol.TypeMessageOk)
	}
	if err != nil {
		r.metrics.IncrementCounter(metrics.SeenSent, map[string]string{"result": "error"}, "Seen watermarks sent")
		return err
	}
	r.metrics.IncrementCounter(metrics.SeenSent, map[string]string{"result": "ok"}, "Seen watermarks sent")

	if id == "" {
		if latest := r.store.Latest(); len(latest) > 0 {
			id = latest[len(latest)-1].ID
		}
	}
	r.setSeen(id)
	r.changed()
	return nil
}

// MarkUnseen clears the room's seen state on the server.
func (r *Room) MarkUnseen(ctx context.Context) error {
	in, err := r.caller.Call(ctx, &protocol.MessageUnseen{
		Header: protocol.Header{MsgType: protocol.TypeMessageUnseen},
		RoomID: r.roomID,
	})
	if err == nil {
		_, err = protocol.Expect[protocol.MessageOk](in, protocol.TypeMessageOk)
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.seenUpTo = ""
	r.mu.Unlock()
	r.changed()
	return nil
}

// SeenUpTo returns the seen watermark.
func (r *Room) SeenUpTo() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seenUpTo
}

// setSeen only moves the watermark forward.
func (r *Room) setSeen(id string) {
	r.mu.Lock()
	if id > r.seenUpTo {
		r.seenUpTo = id
	}
	r.mu.Unlock()
}

func (r *Room) markSeenAsync(id string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), linkFetchTimeout)
		defer cancel()
		if err := r.MarkSeen(ctx, id); err != nil {
			r.logger.WithError(err).WithField("room_id", r.roomID).Debug("Failed to mark own message seen")
		}
	}()
}

func (r *Room) loadSeen(ctx context.Context, gen uint64) error {
	page, err := r.streamGet(ctx, &protocol.StreamGet{Topic: r.seenTopic})
	if err != nil {
		return err
	}
	events, err := protocol.Extract[protocol.EventSeen](page.Items, protocol.TypeEventSeen)
	if !r.live(gen) {
		return nil
	}
	for _, ev := range events {
		if ev.RoomID == r.roomID {
			r.setSeen(ev.MessageID)
		}
	}
	return err
}

// CreateMessage posts one message. A fresh client id is assigned when
// req has none; the room id defaults to this room.
func (r *Room) CreateMessage(ctx context.Context, req *protocol.MessageCreate) (*protocol.MessageOk, error) {
	req.Header = protocol.Header{MsgType: protocol.TypeMessageCreate}
	if req.ClientID == "" {
		req.ClientID = protocol.NewMsgID()
	}
	if req.RoomID == "" {
		req.RoomID = r.roomID
	}
	in, err := r.caller.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	ok, err := protocol.Expect[protocol.MessageOk](in, protocol.TypeMessageOk)
	if err != nil {
		return nil, err
	}
	if req.RoomID == r.roomID && ok.MessageID != "" {
		r.setSeen(ok.MessageID)
		r.changed()
	}
	return ok, nil
}

// CreateMessages posts a batch. The batch client id joins the client ids
// of its messages.
func (r *Room) CreateMessages(ctx context.Context, msgs []protocol.MessageCreate) (*protocol.MessageOk, error) {
	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		msgs[i].Header = protocol.Header{MsgType: protocol.TypeMessageCreate}
		if msgs[i].ClientID == "" {
			msgs[i].ClientID = protocol.NewMsgID()
		}
		if msgs[i].RoomID == "" {
			msgs[i].RoomID = r.roomID
		}
		ids = append(ids, msgs[i].ClientID)
	}
	in, err := r.caller.Call(ctx, &protocol.MessageCreateMany{
		Header:   protocol.Header{MsgType: protocol.TypeMessageCreateMany},
		ClientID: strings.Join(ids, "-"),
		Messages: msgs,
	})
	if err != nil {
		return nil, err
	}
	return protocol.Expect[protocol.MessageOk](in, protocol.TypeMessageOk)
}

// UpdateMessage edits or deletes a message.
func (r *Room) UpdateMessage(ctx context.Context, req *protocol.MessageUpdate) (*protocol.MessageOk, error) {
	req.Header = protocol.Header{MsgType: protocol.TypeMessageUpdate}
	in, err := r.caller.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return protocol.Expect[protocol.MessageOk](in, protocol.TypeMessageOk)
}

// UpdateTyping tells the room the local user is typing. Calls inside the
// throttle window after the last one sent are dropped.
func (r *Room) UpdateTyping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.clock.Now()
	r.mu.Lock()
	if !r.lastTyping.IsZero() && now.Sub(r.lastTyping) < r.typingThrottle {
		r.mu.Unlock()
		return nil
	}
	r.lastTyping = now
	r.mu.Unlock()

	return r.caller.Send(&protocol.TypingSet{
		Header: protocol.Header{MsgType: protocol.TypeTypingSet},
		RoomID: r.roomID,
	})
}

// TypingNames returns the first names of the other people typing, comma
// separated.
func (r *Room) TypingNames() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingNames
}

func (r *Room) applyTyping(ev *protocol.EventTyping) bool {
	if ev.RoomID != "" && ev.RoomID != r.roomID {
		return false
	}
	names := make([]string, 0, len(ev.Data))
	for _, u := range ev.Data {
		if u.ID == r.userID {
			continue
		}
		names = append(names, firstName(u.Name))
	}
	joined := strings.Join(names, ", ")

	r.mu.Lock()
	defer r.mu.Unlock()
	if joined == r.typingNames {
		return false
	}
	r.typingNames = joined
	return true
}
