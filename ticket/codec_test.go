package ticket

import (
	"testing"
	"time"

	"crymatch/compressor"
	"crymatch/crypter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTripTicket_NoCompressionNoCrypt(t *testing.T) {
	c := NewCodec(nil, nil)
	tk := &Ticket{GlobalID: "abc", Timestamp: time.Now().UTC().Truncate(time.Second), PriorityBase: 3}

	data, err := c.EncodeTicket(tk)
	require.NoError(t, err)

	got, err := c.DecodeTicket(data)
	require.NoError(t, err)
	assert.Equal(t, tk.GlobalID, got.GlobalID)
	assert.Equal(t, tk.PriorityBase, got.PriorityBase)
}

func TestCodec_RoundTripWithCompressionAndEncryption(t *testing.T) {
	cr, err := crypter.NewAes("0123456789abcdef", "abcdef0123456789")
	require.NoError(t, err)
	c := NewCodec(compressor.Lz4Compressor{}, cr)

	m := &TicketMatch{GlobalID: "m1", MatchedTicketGlobalIDs: []string{"a", "b"}}
	data, err := c.EncodeMatch(m)
	require.NoError(t, err)

	got, err := c.DecodeMatch(data)
	require.NoError(t, err)
	assert.Equal(t, m.GlobalID, got.GlobalID)
	assert.Equal(t, m.MatchedTicketGlobalIDs, got.MatchedTicketGlobalIDs)
}
