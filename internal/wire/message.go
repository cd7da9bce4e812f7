package wire

import (
	"time"

	"gossipnet/internal/membership"
)

// Kind tags a Message variant.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPeerAnnounce
	KindApplicationGossip
	KindLivenessRequest
	KindLivenessReply
	KindDeadNodeNotice
	KindPeerListRequest
	KindPeerList
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindPeerAnnounce:
		return "PEER_ANNOUNCE"
	case KindApplicationGossip:
		return "APPLICATION_GOSSIP"
	case KindLivenessRequest:
		return "LIVENESS_REQUEST"
	case KindLivenessReply:
		return "LIVENESS_REPLY"
	case KindDeadNodeNotice:
		return "DEAD_NODE_NOTICE"
	case KindPeerListRequest:
		return "PEER_LIST_REQUEST"
	case KindPeerList:
		return "PEER_LIST"
	default:
		return "UNKNOWN"
	}
}

// Gossiped reports whether messages of this kind are disseminated epidemically
// (deduplicated and forwarded) rather than exchanged point to point.
func (k Kind) Gossiped() bool {
	return k == KindApplicationGossip || k == KindDeadNodeNotice
}

// Message is the tagged union carried in every frame. Which fields are set
// depends on Kind:
//
//	PeerAnnounce       Origin = announcing node
//	ApplicationGossip  Payload, Origin, Timestamp
//	LivenessRequest    Timestamp, Origin
//	LivenessReply      Timestamp = server time, Correlated = request time, Origin = responder, Subject = requester
//	DeadNodeNotice     Subject = dead node, Timestamp, Origin = reporter
//	PeerListRequest    Origin
//	PeerList           Origin, Peers
//
// Relay is the address of the node that last forwarded the message.
type Message struct {
	Kind       Kind
	Origin     membership.Address
	Subject    membership.Address
	Payload    []byte
	Timestamp  time.Time
	Correlated time.Time
	Peers      []membership.Address
	Relay      membership.Address
}

// NewPeerAnnounce announces self to a seed or peer.
func NewPeerAnnounce(self membership.Address) Message {
	return Message{Kind: KindPeerAnnounce, Origin: self}
}

// NewApplicationGossip creates an application payload originated at origin.
func NewApplicationGossip(payload []byte, origin membership.Address, ts time.Time) Message {
	return Message{
		Kind:      KindApplicationGossip,
		Payload:   append([]byte(nil), payload...),
		Origin:    origin,
		Timestamp: ts,
	}
}

// NewLivenessRequest creates a probe sent by origin at ts.
func NewLivenessRequest(ts time.Time, origin membership.Address) Message {
	return Message{Kind: KindLivenessRequest, Timestamp: ts, Origin: origin}
}

// NewLivenessReply answers a probe. correlated echoes the request timestamp.
func NewLivenessReply(serverTS, correlated time.Time, origin, receiver membership.Address) Message {
	return Message{
		Kind:       KindLivenessReply,
		Timestamp:  serverTS,
		Correlated: correlated,
		Origin:     origin,
		Subject:    receiver,
	}
}

// NewDeadNodeNotice reports dead as failed, as observed by reporter at ts.
func NewDeadNodeNotice(dead membership.Address, ts time.Time, reporter membership.Address) Message {
	return Message{Kind: KindDeadNodeNotice, Subject: dead, Timestamp: ts, Origin: reporter}
}

// NewPeerListRequest asks a seed or peer for its membership view.
func NewPeerListRequest(origin membership.Address) Message {
	return Message{Kind: KindPeerListRequest, Origin: origin}
}

// NewPeerList carries a membership view.
func NewPeerList(origin membership.Address, peers []membership.Address) Message {
	return Message{Kind: KindPeerList, Origin: origin, Peers: append([]membership.Address(nil), peers...)}
}

// Validate checks that the fields required by Kind are present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindPeerAnnounce, KindPeerListRequest, KindPeerList:
		if m.Origin.IsZero() {
			return malformed("%s without origin", m.Kind)
		}
	case KindApplicationGossip, KindLivenessRequest:
		if m.Origin.IsZero() {
			return malformed("%s without origin", m.Kind)
		}
		if m.Timestamp.IsZero() {
			return malformed("%s without timestamp", m.Kind)
		}
	case KindLivenessReply:
		if m.Origin.IsZero() || m.Subject.IsZero() {
			return malformed("%s without origin or receiver", m.Kind)
		}
		if m.Timestamp.IsZero() || m.Correlated.IsZero() {
			return malformed("%s without timestamps", m.Kind)
		}
	case KindDeadNodeNotice:
		if m.Subject.IsZero() {
			return malformed("%s without dead address", m.Kind)
		}
		if m.Origin.IsZero() {
			return malformed("%s without reporter", m.Kind)
		}
		if m.Timestamp.IsZero() {
			return malformed("%s without timestamp", m.Kind)
		}
	default:
		return malformed("unknown kind %d", uint8(m.Kind))
	}
	return nil
}

// WithRelay returns a copy of m marked as forwarded by relay.
func (m Message) WithRelay(relay membership.Address) Message {
	m.Relay = relay
	return m
}
