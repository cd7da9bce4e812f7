package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"gossipnet/internal/membership"
)

// Field numbers of the frame encoding.
const (
	fieldKind       protowire.Number = 1
	fieldOrigin     protowire.Number = 2
	fieldSubject    protowire.Number = 3
	fieldPayload    protowire.Number = 4
	fieldTimestamp  protowire.Number = 5
	fieldCorrelated protowire.Number = 6
	fieldPeers      protowire.Number = 7
	fieldRelay      protowire.Number = 15
)

var deterministic = proto.MarshalOptions{Deterministic: true}

// Marshal encodes m, relay included.
func Marshal(m Message) ([]byte, error) {
	b, err := appendCanonical(nil, m)
	if err != nil {
		return nil, err
	}
	if !m.Relay.IsZero() {
		b = protowire.AppendTag(b, fieldRelay, protowire.BytesType)
		b = protowire.AppendString(b, m.Relay.String())
	}
	return b, nil
}

// appendCanonical writes every field except the relay, in field-number order.
func appendCanonical(b []byte, m Message) ([]byte, error) {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))

	if !m.Origin.IsZero() {
		b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
		b = protowire.AppendString(b, m.Origin.String())
	}
	if !m.Subject.IsZero() {
		b = protowire.AppendTag(b, fieldSubject, protowire.BytesType)
		b = protowire.AppendString(b, m.Subject.String())
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}

	var err error
	if b, err = appendTime(b, fieldTimestamp, m.Timestamp); err != nil {
		return nil, err
	}
	if b, err = appendTime(b, fieldCorrelated, m.Correlated); err != nil {
		return nil, err
	}

	for _, p := range m.Peers {
		b = protowire.AppendTag(b, fieldPeers, protowire.BytesType)
		b = protowire.AppendString(b, p.String())
	}
	return b, nil
}

func appendTime(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	raw, err := deterministic.Marshal(timestamppb.New(t))
	if err != nil {
		return nil, fmt.Errorf("failed to encode timestamp: %w", err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, raw), nil
}

// Unmarshal decodes and validates a frame. Any failure is a *MalformedMessageError.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, &MalformedMessageError{Reason: "bad tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, &MalformedMessageError{Reason: "bad kind", Err: protowire.ParseError(n)}
			}
			m.Kind = Kind(v)
			b = b[n:]

		case typ == protowire.BytesType && num >= fieldOrigin && num <= fieldRelay:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, &MalformedMessageError{Reason: fmt.Sprintf("bad field %d", num), Err: protowire.ParseError(n)}
			}
			b = b[n:]
			if err := m.setBytesField(num, v); err != nil {
				return Message{}, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, &MalformedMessageError{Reason: fmt.Sprintf("bad field %d", num), Err: protowire.ParseError(n)}
			}
			b = b[n:]
		}
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m *Message) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case fieldOrigin, fieldSubject, fieldPeers, fieldRelay:
		addr, err := membership.ParseAddress(string(v))
		if err != nil {
			return &MalformedMessageError{Reason: fmt.Sprintf("bad address in field %d", num), Err: err}
		}
		switch num {
		case fieldOrigin:
			m.Origin = addr
		case fieldSubject:
			m.Subject = addr
		case fieldPeers:
			m.Peers = append(m.Peers, addr)
		case fieldRelay:
			m.Relay = addr
		}
	case fieldPayload:
		m.Payload = append([]byte(nil), v...)
	case fieldTimestamp, fieldCorrelated:
		ts := &timestamppb.Timestamp{}
		if err := proto.Unmarshal(v, ts); err != nil {
			return &MalformedMessageError{Reason: fmt.Sprintf("bad timestamp in field %d", num), Err: err}
		}
		if err := ts.CheckValid(); err != nil {
			return &MalformedMessageError{Reason: fmt.Sprintf("bad timestamp in field %d", num), Err: err}
		}
		if num == fieldTimestamp {
			m.Timestamp = ts.AsTime()
		} else {
			m.Correlated = ts.AsTime()
		}
	}
	return nil
}

// Fingerprint is the SHA-256 digest of a message's canonical encoding.
type Fingerprint [sha256.Size]byte

// String returns the hex form of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:8])
}

// FingerprintOf hashes the canonical encoding of m. The relay is not part of
// the canonical encoding.
func FingerprintOf(m Message) (Fingerprint, error) {
	b, err := appendCanonical(nil, m)
	if err != nil {
		return Fingerprint{}, err
	}
	return sha256.Sum256(b), nil
}
