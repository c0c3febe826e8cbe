package director

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crymatch/ticket"
)

func postMatch(t *testing.T, d *Director, ids ...string) {
	t.Helper()
	ctx := context.Background()
	data, err := d.codec.EncodeMatch(&ticket.TicketMatch{
		GlobalID:               "match-" + ids[0],
		MatchedTicketGlobalIDs: ids,
	})
	require.NoError(t, err)
	_, err = d.state.StreamAdd(ctx, "matches", data)
	require.NoError(t, err)
}

func TestDirector_ProcessMatchesValidatesAndDelivers(t *testing.T) {
	d, st := newTestDirector(t)
	ctx := context.Background()

	require.NoError(t, st.SetAddBatch(ctx, "tickets_submitted", []string{"a", "b"}))
	postMatch(t, d, "a", "b")

	d.readers.Add(1)
	d.processMatches(ctx)

	select {
	case tm := <-d.matches:
		assert.ElementsMatch(t, []string{"a", "b"}, tm.MatchedTicketGlobalIDs)
		assert.NotEmpty(t, tm.StateID)
	default:
		t.Fatal("expected a delivered match")
	}

	// All participants settled out of the submitted set.
	for _, id := range []string{"a", "b"} {
		live, err := st.SetContains(ctx, "tickets_submitted", id)
		require.NoError(t, err)
		assert.False(t, live, id)
	}
}

func TestDirector_ProcessMatchesSkipsWithoutReaders(t *testing.T) {
	d, st := newTestDirector(t)
	ctx := context.Background()

	require.NoError(t, st.SetAddBatch(ctx, "tickets_submitted", []string{"a", "b"}))
	postMatch(t, d, "a", "b")

	d.processMatches(ctx)

	assert.Empty(t, d.matches)
	entries, err := st.StreamRead(ctx, "matches", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirector_ProcessMatchesInvalidParticipantMarksReadd(t *testing.T) {
	d, st := newTestDirector(t)
	ctx := context.Background()

	// "b" was cancelled; "a" is still live and must be re-admitted.
	require.NoError(t, st.SetAdd(ctx, "tickets_submitted", "a"))
	postMatch(t, d, "a", "b")

	d.readers.Add(1)
	d.processMatches(ctx)

	// The match is still delivered either way.
	require.Len(t, d.matches, 1)

	d.mu.Lock()
	_, readd := d.ticketsToReadd["a"]
	d.mu.Unlock()
	assert.True(t, readd)

	// "a" stays in the submitted set: re-admission reuses its entry.
	live, err := st.SetContains(ctx, "tickets_submitted", "a")
	require.NoError(t, err)
	assert.True(t, live)
}

func TestDirector_ProcessMatchesDeduplicatesByStateID(t *testing.T) {
	d, st := newTestDirector(t)
	ctx := context.Background()

	require.NoError(t, st.SetAddBatch(ctx, "tickets_submitted", []string{"a", "b"}))
	postMatch(t, d, "a", "b")

	d.readers.Add(1)
	d.processMatches(ctx)
	d.processMatches(ctx)

	assert.Len(t, d.matches, 1)
}

func TestDirector_ConsumeMatchDeletesFromStream(t *testing.T) {
	d, st := newTestDirector(t)
	ctx := context.Background()

	require.NoError(t, st.SetAddBatch(ctx, "tickets_submitted", []string{"a", "b"}))
	postMatch(t, d, "a", "b")

	d.readers.Add(1)
	d.processMatches(ctx)
	tm := <-d.matches

	d.ConsumeMatch(tm)
	d.processMatches(ctx)

	entries, err := st.StreamRead(ctx, "matches", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirector_ReadIncomingMatchesConsumesOnSuccess(t *testing.T) {
	d, st := newTestDirector(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, st.SetAddBatch(ctx, "tickets_submitted", []string{"a", "b"}))
	postMatch(t, d, "a", "b")

	d.readers.Add(1)
	d.processMatches(context.Background())
	d.readers.Add(-1)

	delivered := make(chan *ticket.TicketMatch, 1)
	done := make(chan error, 1)
	go func() {
		done <- d.ReadIncomingMatches(ctx, func(tm *ticket.TicketMatch) error {
			delivered <- tm
			return nil
		})
	}()

	select {
	case tm := <-delivered:
		assert.ElementsMatch(t, []string{"a", "b"}, tm.MatchedTicketGlobalIDs)
	case <-time.After(time.Second):
		t.Fatal("match never delivered")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.consumeQueue, 1)
}

func TestDirector_ReadIncomingMatchesReturnsOnCallbackError(t *testing.T) {
	d, st := newTestDirector(t)
	ctx := context.Background()

	require.NoError(t, st.SetAddBatch(ctx, "tickets_submitted", []string{"a", "b"}))
	postMatch(t, d, "a", "b")

	d.readers.Add(1)
	d.processMatches(ctx)
	d.readers.Add(-1)

	sentinel := errors.New("delivery broke")
	err := d.ReadIncomingMatches(ctx, func(*ticket.TicketMatch) error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	// The match went back for the next reader.
	assert.Len(t, d.matches, 1)
}

type recorderFunc func(*ticket.TicketMatch)

func (f recorderFunc) Record(m *ticket.TicketMatch) { f(m) }

func TestDirector_ValidMatchReachesRecorder(t *testing.T) {
	d, st := newTestDirector(t)
	ctx := context.Background()

	var recorded []*ticket.TicketMatch
	d.recorder = recorderFunc(func(m *ticket.TicketMatch) { recorded = append(recorded, m) })

	require.NoError(t, st.SetAddBatch(ctx, "tickets_submitted", []string{"a", "b"}))
	postMatch(t, d, "a", "b")

	d.readers.Add(1)
	d.processMatches(ctx)

	require.Len(t, recorded, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, recorded[0].MatchedTicketGlobalIDs)
}
