package ticket

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrMalformedStatus is returned by ParseMatchmakerStatus when the blob
// does not follow the tab-delimited line format written by ToText.
var ErrMalformedStatus = errors.New("malformed matchmaker status")

// PoolStatus is one matchmaker-local pool's queue depth and gather state,
// as reported in a MatchmakerStatus blob.
type PoolStatus struct {
	Name      string
	InQueue   int
	Gathering bool
}

// MatchmakerStatus is the periodic heartbeat a Matchmaker writes to its
// own status key. It is serialized as plain tab-delimited text rather than
// a binary/protobuf blob so the Director (and operators poking at Redis by
// hand) can read it without a decoder.
type MatchmakerStatus struct {
	ProcessingTickets int
	LocalTime         time.Time
	Pools             []PoolStatus
}

// ToText renders the status as a line-based blob:
// a header line "count<TAB>unixMilli", then one "name<TAB>queued<TAB>0|1"
// line per pool.
func (s MatchmakerStatus) ToText() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(s.ProcessingTickets))
	b.WriteByte('\t')
	b.WriteString(strconv.FormatInt(s.LocalTime.UTC().UnixMilli(), 10))
	for _, p := range s.Pools {
		b.WriteByte('\n')
		b.WriteString(p.Name)
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(p.InQueue))
		b.WriteByte('\t')
		if p.Gathering {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseMatchmakerStatus reverses ToText. An empty or malformed blob
// returns ErrMalformedStatus, which the Director treats as "matchmaker
// gone" and triggers UnregisterMatchmaker.
func ParseMatchmakerStatus(text string) (MatchmakerStatus, error) {
	var s MatchmakerStatus
	if text == "" {
		return s, ErrMalformedStatus
	}

	lines := strings.Split(text, "\n")
	header := strings.Split(lines[0], "\t")
	if len(header) != 2 {
		return s, ErrMalformedStatus
	}

	count, err := strconv.Atoi(header[0])
	if err != nil {
		return s, errors.Errorf("%w: count: %w", ErrMalformedStatus, err)
	}
	millis, err := strconv.ParseInt(header[1], 10, 64)
	if err != nil {
		return s, errors.Errorf("%w: time: %w", ErrMalformedStatus, err)
	}
	s.ProcessingTickets = count
	s.LocalTime = time.UnixMilli(millis).UTC()

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return s, ErrMalformedStatus
		}
		inQueue, err := strconv.Atoi(fields[1])
		if err != nil {
			return s, errors.Errorf("%w: pool in_queue: %w", ErrMalformedStatus, err)
		}
		var gathering bool
		switch fields[2] {
		case "1":
			gathering = true
		case "0":
			gathering = false
		default:
			return s, ErrMalformedStatus
		}
		s.Pools = append(s.Pools, PoolStatus{
			Name:      fields[0],
			InQueue:   inQueue,
			Gathering: gathering,
		})
	}

	return s, nil
}
