// Package ticket holds the wire-level Ticket/TicketMatch/MatchmakerStatus
// records and the compact matching view derived from them.
//
// Field numbers are kept as struct-tag comments so the shape stays
// traceable to the protobuf layout described by the RPC surface, even
// though that surface (framing, transport) is out of scope here and the
// state store only ever sees the bytes produced by Codec.
package ticket

import "time"

// Requirement is a single gate a ticket's state vector either satisfies or
// doesn't, evaluated against another ticket's state.
type Requirement struct {
	Key    int32     `json:"key"`
	Ranged bool      `json:"ranged"`
	Values []float64 `json:"values"`
}

// RequirementGroup is an "any-of" over its Any list: satisfied if at least
// one Requirement inside matches.
type RequirementGroup struct {
	Any []Requirement `json:"any"`
}

// Affinity expresses a preference (or veto) based on how close two
// tickets' values are at the same list position.
type Affinity struct {
	Value            float64 `json:"value"`
	MaxMargin        float64 `json:"max_margin"`
	SoftMargin       bool    `json:"soft_margin"`
	PreferDisimilar  bool    `json:"prefer_disimilar"`
	PriorityFactor   float64 `json:"priority_factor"`
}

// Ticket is the client-supplied, then Director-decorated, matchmaking
// request. field numbers: state_id=1, global_id=2, timestamp=3,
// max_age_seconds=4, matchmaking_pool_id=5, state=6, requirements=7,
// affinities=8, priority_base=9, age_priority_factor=10,
// timestamp_expiry_matchmaker=11, matching_failure_count=12.
type Ticket struct {
	GlobalID                  string              `json:"global_id"`
	StateID                   string              `json:"state_id"`
	Timestamp                 time.Time           `json:"timestamp"`
	MaxAgeSeconds             int64               `json:"max_age_seconds"`
	MatchmakingPoolID         string              `json:"matchmaking_pool_id"`
	State                     [][]float64         `json:"state"`
	Requirements              []RequirementGroup  `json:"requirements"`
	Affinities                []Affinity          `json:"affinities"`
	PriorityBase              int64               `json:"priority_base"`
	AgePriorityFactor         float64             `json:"age_priority_factor"`
	TimestampExpiryMatchmaker time.Time           `json:"timestamp_expiry_matchmaker"`
	MatchingFailureCount      int                 `json:"matching_failure_count"`

	// ConsumedForMatch is set by the Matchmaker when it parks the ticket
	// in the consumed stream: true when the ticket left as part of a
	// match, false when it expired or ran out of matching attempts. Not
	// part of the RPC ticket shape.
	ConsumedForMatch bool `json:"consumed_for_match,omitempty"`
}

// Expired reports whether the ticket has outlived MaxAgeSeconds as of now.
// MaxAgeSeconds == 0 means the ticket never expires.
func (t *Ticket) Expired(now time.Time) bool {
	if t.MaxAgeSeconds == 0 {
		return false
	}
	return now.Sub(t.Timestamp) > time.Duration(t.MaxAgeSeconds)*time.Second
}

// PoolID returns the ticket's pool, defaulting to the empty-string pool.
func (t *Ticket) PoolID() string {
	return t.MatchmakingPoolID
}

// TicketMatch is a completed group of tickets, formed by a Matchmaker.
// field numbers: state_id=1, global_id=2, matched_ticket_global_ids=3.
// MatchmakingPoolID is carried in the stored payload for operations and
// the audit sink; it is not part of the RPC match shape.
type TicketMatch struct {
	GlobalID               string   `json:"global_id"`
	StateID                string   `json:"state_id"`
	MatchedTicketGlobalIDs []string `json:"matched_ticket_global_ids"`
	MatchmakingPoolID      string   `json:"matchmaking_pool_id,omitempty"`
}
