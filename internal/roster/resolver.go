package roster

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

const resolveTimeout = 30 * time.Second

// Resolver fetches rooms the directory has not seen yet. Each unknown id
// is requested at most once until Reset.
type Resolver struct {
	caller  Caller
	logger  *logrus.Logger
	metrics *metrics.Registry
	topic   func() string
	onRooms func(rooms []protocol.EventRoom)
	group   singleflight.Group

	mu         sync.Mutex
	requested  map[string]struct{}
	generation uint64
	wg         sync.WaitGroup
}

// NewResolver creates a Resolver. topic returns the roster topic to query;
// onRooms receives every resolved batch.
func NewResolver(caller Caller, logger *logrus.Logger, registry *metrics.Registry, topic func() string, onRooms func([]protocol.EventRoom)) *Resolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &Resolver{
		caller:    caller,
		logger:    logger,
		metrics:   registry,
		topic:     topic,
		onRooms:   onRooms,
		requested: make(map[string]struct{}),
	}
}

// Resolve fetches one room. Concurrent calls for the same id share a
// single Roster.GetRooms.
func (r *Resolver) Resolve(ctx context.Context, roomID string) (*protocol.EventRoom, error) {
	topic := r.topic()
	if topic == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "no roster topic to resolve rooms from").
			WithContext("room_id", roomID)
	}
	gen := r.currentGeneration()

	v, err, _ := r.group.Do(topic+"|"+roomID, func() (any, error) {
		in, err := r.caller.Call(ctx, &protocol.RosterGetRooms{
			Header:  protocol.Header{MsgType: protocol.TypeRosterGetRooms},
			Topic:   topic,
			RoomIDs: []string{roomID},
		})
		if err != nil {
			return nil, err
		}
		ok, err := protocol.Expect[protocol.RosterGetOk](in, protocol.TypeRosterGetOk)
		if err != nil {
			return nil, err
		}
		items, err := protocol.Extract[protocol.EventRosterRoom](ok.Items, protocol.TypeEventRosterRoom)
		rooms := make([]protocol.EventRoom, 0, len(items))
		for _, item := range items {
			rooms = append(rooms, item.Room)
		}
		return rooms, err
	})
	if err != nil {
		r.metrics.IncrementCounter(metrics.RoomsResolved, map[string]string{"result": "error"}, "Rooms fetched by id")
		return nil, err
	}
	rooms := v.([]protocol.EventRoom)
	r.metrics.IncrementCounter(metrics.RoomsResolved, map[string]string{"result": "ok"}, "Rooms fetched by id")

	if r.currentGeneration() == gen && len(rooms) > 0 && r.onRooms != nil {
		r.onRooms(rooms)
	}
	for i := range rooms {
		if rooms[i].ID == roomID {
			return &rooms[i], nil
		}
	}
	return nil, apperrors.New(apperrors.ErrCodeCallFailed, "room not found").WithContext("room_id", roomID)
}

// Request resolves roomID in the background unless it was already
// requested.
func (r *Resolver) Request(roomID string) {
	r.mu.Lock()
	if _, ok := r.requested[roomID]; ok {
		r.mu.Unlock()
		return
	}
	r.requested[roomID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		if _, err := r.Resolve(ctx, roomID); err != nil {
			r.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to resolve room")
		}
	}()
}

// Found marks roomID as known so a later miss requests it again.
func (r *Resolver) Found(roomID string) {
	r.mu.Lock()
	delete(r.requested, roomID)
	r.mu.Unlock()
}

// Pending reports whether roomID has an outstanding request.
func (r *Resolver) Pending(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requested[roomID]
	return ok
}

// Reset forgets requested ids. Results of requests already in flight are
// dropped.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.generation++
	r.requested = make(map[string]struct{})
	r.mu.Unlock()
}

// Wait blocks until background requests finish.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) currentGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}
