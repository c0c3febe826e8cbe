package ticket

import (
	"crymatch/compressor"
	"crymatch/crypter"
	"crymatch/parser"

	"github.com/cockroachdb/errors"
)

// Codec serializes Tickets and TicketMatches to the bytes the state store
// carries, layering a parser (shape), a compressor (size), and an optional
// crypter (at-rest confidentiality) over each payload.
type Codec struct {
	parser     parser.Parser
	compressor compressor.Compresser
	crypter    crypter.Crypter // nil disables encryption
}

// NewCodec builds a Codec. A nil compressor defaults to no compression; a
// nil crypter disables encryption.
func NewCodec(c compressor.Compresser, cr crypter.Crypter) *Codec {
	if c == nil {
		c = compressor.NoneCompressor{}
	}
	return &Codec{parser: &parser.JSONParser{}, compressor: c, crypter: cr}
}

func (c *Codec) encode(v any) ([]byte, error) {
	raw, err := c.parser.Marshal(v)
	if err != nil {
		return nil, errors.Errorf("codec marshal: %w", err)
	}

	compressed, err := c.compressor.Compress(raw)
	if err != nil {
		if errors.Is(err, compressor.ErrNotShrunk) {
			compressed = raw
		} else {
			return nil, errors.Errorf("codec compress: %w", err)
		}
	}

	if c.crypter == nil {
		return compressed, nil
	}
	enc, err := c.crypter.EnCrypt(compressed)
	if err != nil {
		return nil, errors.Errorf("codec encrypt: %w", err)
	}
	return enc, nil
}

func (c *Codec) decode(data []byte, v any) error {
	body := data
	if c.crypter != nil {
		dec, err := c.crypter.DeCrypt(body)
		if err != nil {
			return errors.Errorf("codec decrypt: %w", err)
		}
		body = dec
	}

	plain, err := c.compressor.Decompress(body)
	if err != nil {
		return errors.Errorf("codec decompress: %w", err)
	}

	if err := c.parser.Unmarshal(plain, v); err != nil {
		return errors.Errorf("codec unmarshal: %w", err)
	}
	return nil
}

// EncodeTicket serializes a Ticket for storage.
func (c *Codec) EncodeTicket(t *Ticket) ([]byte, error) { return c.encode(t) }

// DecodeTicket deserializes a Ticket. Parse failures should be logged and
// skipped by the caller; one bad payload never stops a stream drain.
func (c *Codec) DecodeTicket(data []byte) (*Ticket, error) {
	var t Ticket
	if err := c.decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// EncodeMatch serializes a TicketMatch for storage.
func (c *Codec) EncodeMatch(m *TicketMatch) ([]byte, error) { return c.encode(m) }

// DecodeMatch deserializes a TicketMatch.
func (c *Codec) DecodeMatch(data []byte) (*TicketMatch, error) {
	var m TicketMatch
	if err := c.decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
