package timeline

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fogsync/pkg/protocol"
)

func msg(i int) *protocol.EventMessage {
	return &protocol.EventMessage{
		Header:    protocol.Header{MsgType: protocol.TypeEventMessage},
		ID:        fmt.Sprintf("m%04d", i),
		RoomID:    "r1",
		Text:      fmt.Sprintf("message %d", i),
		CreatedTs: int64(1000 + i),
		UpdatedTs: int64(1000 + i),
	}
}

func history(from, to int) []*protocol.EventMessage {
	out := make([]*protocol.EventMessage, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, msg(i))
	}
	return out
}

func ids(msgs []*protocol.EventMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestStore_IngestSortsAndDedups(t *testing.T) {
	s := NewStore(ModeLatest)
	s.Ingest([]*protocol.EventMessage{msg(3), msg(1), msg(2)}, SourceEvent)
	s.Ingest([]*protocol.EventMessage{msg(2), msg(1)}, SourceEvent)

	assert.Equal(t, []string{"m0001", "m0002", "m0003"}, ids(s.Messages()))
}

func TestStore_EditReplacesInPlace(t *testing.T) {
	s := NewStore(ModeLatest)
	s.Ingest(history(0, 3), SourceEvent)

	edited := msg(1)
	edited.Text = "fixed"
	edited.UpdatedTs = 5000
	s.Ingest([]*protocol.EventMessage{edited}, SourceEvent)

	got := s.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, "fixed", got[1].Text)

	stale := msg(1)
	stale.Text = "stale"
	s.Ingest([]*protocol.EventMessage{stale}, SourceEvent)
	assert.Equal(t, "fixed", s.Messages()[1].Text)
}

func TestStore_EditOfUnknownMessageIsAppended(t *testing.T) {
	s := NewStore(ModeLatest)
	edited := msg(7)
	edited.UpdatedTs = edited.CreatedTs + 10

	s.Ingest([]*protocol.EventMessage{edited}, SourceEvent)

	assert.Equal(t, []string{"m0007"}, ids(s.Messages()))
}

func TestStore_AroundPageStaysSeparateUntilItTouchesTail(t *testing.T) {
	s := NewStore(ModeLatest)
	s.Ingest(history(90, 100), SourceEvent)

	s.SetMode(ModeAround)
	s.Ingest(history(40, 50), SourcePage)

	assert.Equal(t, ModeAround, s.Mode())
	assert.Equal(t, ids(history(40, 50)), ids(s.Messages()))
	assert.Equal(t, ids(history(90, 100)), ids(s.Latest()))

	// Pushes keep landing in the tail while the window is shown.
	s.Ingest([]*protocol.EventMessage{msg(100)}, SourceEvent)
	assert.Equal(t, ids(history(40, 50)), ids(s.Messages()))
	assert.Equal(t, ids(history(90, 101)), ids(s.Latest()))
}

func TestStore_SparseOverlapJoinsTail(t *testing.T) {
	s := NewStore(ModeLatest)
	s.Ingest(history(90, 100), SourceEvent)
	s.SetMode(ModeAround)
	s.Ingest(history(70, 80), SourcePage)

	// A page sharing a single id with the tail is enough.
	joined := s.Ingest([]*protocol.EventMessage{msg(81), msg(85), msg(90)}, SourcePage)

	require.True(t, joined)
	assert.Equal(t, ModeLatest, s.Mode())
	assert.True(t, s.NewerComplete())
	assert.Empty(t, s.Around())
	want := append(append(history(70, 80), msg(81), msg(85)), history(90, 100)...)
	assert.Equal(t, ids(want), ids(s.Messages()))
}

// Whatever the window position, paging it forward eventually joins the tail
// and the result is the contiguous union with no duplicates.
func TestStore_AroundWindowAlwaysMergesIntoTail(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		total := 50 + rng.Intn(150)
		tail := 1 + rng.Intn(30)
		page := 1 + rng.Intn(20)
		start := rng.Intn(total - tail + 1)

		s := NewStore(ModeLatest)
		s.Ingest(history(total-tail, total), SourceEvent)
		s.SetMode(ModeAround)

		joined := false
		for pos := start; pos < total && !joined; pos += page {
			end := min(pos+page, total)
			joined = s.Ingest(history(pos, end), SourcePage)
		}

		desc := fmt.Sprintf("round %d total=%d tail=%d page=%d start=%d", round, total, tail, page, start)
		require.True(t, joined, desc)
		assert.Equal(t, ModeLatest, s.Mode(), desc)
		assert.Equal(t, ids(history(start, total)), ids(s.Messages()), desc)
	}
}

func TestStore_SetModeLatestDropsWindow(t *testing.T) {
	s := NewStore(ModeAround)
	s.Ingest(history(0, 5), SourcePage)
	require.Len(t, s.Around(), 5)

	s.SetMode(ModeLatest)

	assert.Empty(t, s.Around())
	assert.Empty(t, s.Messages())
	assert.True(t, s.NewerComplete())
}

func TestStore_LatestLoadedTs(t *testing.T) {
	s := NewStore(ModeLatest)
	assert.Zero(t, s.LatestLoadedTs())

	s.Ingest([]*protocol.EventMessage{msg(5)}, SourceEvent)
	assert.Zero(t, s.LatestLoadedTs())

	s.Ingest([]*protocol.EventMessage{msg(6), msg(4)}, SourceEvent)
	assert.Equal(t, int64(1004), s.LatestLoadedTs())
}

func TestStore_UpdateAuthorAvatar(t *testing.T) {
	s := NewStore(ModeLatest)
	a, b := msg(1), msg(2)
	a.FromID, b.FromID = "u1", "u2"
	s.Ingest([]*protocol.EventMessage{a, b}, SourceEvent)

	s.UpdateAuthorAvatar("u1", "https://cdn.example/u1.png")

	got := s.Messages()
	assert.Equal(t, "https://cdn.example/u1.png", got[0].FromAvatarURL)
	assert.Empty(t, got[1].FromAvatarURL)
	assert.Empty(t, a.FromAvatarURL, "stored message was copied, not mutated")
}

func TestStore_ResetClearsEverything(t *testing.T) {
	s := NewStore(ModeAround)
	s.Ingest(history(0, 3), SourcePage)
	s.SetSources("m0001", history(10, 12))
	s.SetOlderComplete(true)

	s.Reset()

	assert.Equal(t, ModeLatest, s.Mode())
	assert.Empty(t, s.Messages())
	assert.False(t, s.OlderComplete())
	_, ok := s.Sources("m0001")
	assert.False(t, ok)
}
