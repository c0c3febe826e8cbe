package matchmaker

import (
	"context"
	"testing"
	"time"

	"crymatch/state"
	"crymatch/ticket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMatchmaker(t *testing.T) (*Matchmaker, *state.Memory) {
	t.Helper()
	st := state.NewMemory()
	codec := ticket.NewCodec(nil, nil)
	cfg := Config{
		Workers:                  1,
		UpdateDelay:              10 * time.Millisecond,
		MaxDowntimeBeforeOffline: time.Second,
		MinGatherTime:            0,
		PoolCapacity:             10,
		MaxMatchFailures:         3,
	}
	return New(st, codec, nil, cfg), st
}

func TestMatchmaker_PingWritesStatusBeforeRegistration(t *testing.T) {
	mm, st := newTestMatchmaker(t)
	ctx := context.Background()

	require.NoError(t, mm.ping(ctx))

	raw, err := st.GetString(ctx, mm.ID)
	require.NoError(t, err)
	status, err := ticket.ParseMatchmakerStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, status.ProcessingTickets)

	members, err := st.GetSetValues(ctx, "matchmakers")
	require.NoError(t, err)
	assert.Contains(t, members, mm.ID)
}

func TestMatchmaker_FetchDeduplicatesByGlobalID(t *testing.T) {
	mm, st := newTestMatchmaker(t)
	ctx := context.Background()

	tk := &ticket.Ticket{GlobalID: "a", Timestamp: time.Now().UTC(), TimestampExpiryMatchmaker: time.Now().UTC().Add(time.Minute)}
	data, err := mm.codec.EncodeTicket(tk)
	require.NoError(t, err)

	_, err = st.StreamAdd(ctx, mm.assignedStream(), data)
	require.NoError(t, err)
	_, err = st.StreamAdd(ctx, mm.assignedStream(), data)
	require.NoError(t, err)

	require.NoError(t, mm.fetch(ctx))
	require.NoError(t, mm.fetch(ctx))

	mm.mu.Lock()
	defer mm.mu.Unlock()
	assert.Len(t, mm.assignedTickets, 1)
	require.Contains(t, mm.pools, "")
	assert.Equal(t, 1, mm.pools[""].Count())
}

func TestMatchmaker_WorkerTickProducesMatchAndCleansUp(t *testing.T) {
	mm, st := newTestMatchmaker(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"a", "b"} {
		tk := &ticket.Ticket{GlobalID: id, Timestamp: now, TimestampExpiryMatchmaker: now.Add(time.Minute)}
		data, err := mm.codec.EncodeTicket(tk)
		require.NoError(t, err)
		_, err = st.StreamAdd(ctx, mm.assignedStream(), data)
		require.NoError(t, err)
	}
	require.NoError(t, mm.fetch(ctx))

	mm.workerTick(ctx)

	entries, err := st.StreamRead(ctx, "matches", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	match, err := mm.codec.DecodeMatch(entries[0].Data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, match.MatchedTicketGlobalIDs)

	require.Len(t, mm.consumed, 2)
	mm.cleanRound(ctx)

	consumedEntries, err := st.StreamRead(ctx, "consumed_tickets", 0)
	require.NoError(t, err)
	assert.Len(t, consumedEntries, 2)

	assignedEntries, err := st.StreamRead(ctx, mm.assignedStream(), 0)
	require.NoError(t, err)
	assert.Empty(t, assignedEntries)
}

func TestMatchmaker_WorkerTickSkipsPoolUnderTwoTickets(t *testing.T) {
	mm, st := newTestMatchmaker(t)
	ctx := context.Background()

	tk := &ticket.Ticket{GlobalID: "solo", Timestamp: time.Now().UTC(), TimestampExpiryMatchmaker: time.Now().UTC().Add(time.Minute)}
	data, err := mm.codec.EncodeTicket(tk)
	require.NoError(t, err)
	_, err = st.StreamAdd(ctx, mm.assignedStream(), data)
	require.NoError(t, err)
	require.NoError(t, mm.fetch(ctx))

	mm.workerTick(ctx)

	entries, err := st.StreamRead(ctx, "matches", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	mm.mu.Lock()
	defer mm.mu.Unlock()
	assert.Equal(t, 1, mm.pools[""].Count())
}
