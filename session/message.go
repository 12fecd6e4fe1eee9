package session

import (
	"meshd/wire"
)

// Reserved correlation IDs for internally generated messages.
const (
	// CorrIDTopologyUpdate marks a locally built topology-update message.
	CorrIDTopologyUpdate uint64 = 0xFFFFFFFFFFFFFFFF
	// CorrIDSessionTerminate instructs a session to close cleanly.
	CorrIDSessionTerminate uint64 = 0xFFFFFFFFFFFFFFFE
)

// Metadata keys the core reserves on Data frames.
const (
	metaRequireAck   = "require_ack"
	metaTrackID      = "track_id"
	metaBroadcastID  = "broadcast_id"
	metaBroadcastTTL = "broadcast_ttl"
)

// Header keys with special handling.
const (
	headerFrameType = "frame_type"

	frameTypeTopologyUpdate   = "topology_update"
	frameTypeSessionTerminate = "session_terminate"
)

// OutboundMessage travels from the queue through the manager to a session.
type OutboundMessage struct {
	// SrcNode is the original sender, preserved across forwards.
	SrcNode uint64
	DstNode uint64
	Payload []byte
	Headers map[string][]byte
	CorrID  uint64
	// TrackID is the application-visible message ID for status tracking;
	// zero means untracked (internal messages).
	TrackID    uint64
	RequireAck bool
	// TTL carries the remaining forward budget for transit messages; zero
	// means "locally originated", which gets the default header TTL.
	TTL uint8

	// Broadcast fields; IsBroadcast or DstNode==0 selects flood handling.
	BroadcastID  uint64
	BroadcastTTL uint8
	IsBroadcast  bool
}

// NewTerminationMessage builds the reserved message that tells a session to
// close from the manager side.
func NewTerminationMessage(localNode, targetNode uint64) OutboundMessage {
	return OutboundMessage{
		SrcNode: localNode,
		DstNode: targetNode,
		Headers: map[string][]byte{headerFrameType: []byte(frameTypeSessionTerminate)},
		CorrID:  CorrIDSessionTerminate,
	}
}

// IsTermination reports whether this is the session-terminate instruction.
func (m *OutboundMessage) IsTermination() bool {
	return m.CorrID == CorrIDSessionTerminate &&
		string(m.Headers[headerFrameType]) == frameTypeSessionTerminate
}

// isTopologyUpdate reports whether the payload is a topology advertisement
// to be written as a FrameTopologyUpdate instead of Data.
func (m *OutboundMessage) isTopologyUpdate() bool {
	return string(m.Headers[headerFrameType]) == frameTypeTopologyUpdate
}

// InboundMessage is a Data frame surfaced by a session after reliability
// processing (deduplicated, reassembled).
type InboundMessage struct {
	SrcNode    uint64
	DstNode    uint64
	Payload    []byte
	Headers    map[string][]byte
	CorrID     uint64
	TrackID    uint64
	RequireAck bool
	// TTL is the remaining forward budget from the fast header.
	TTL uint8
	// Route carries the packed route field for filter matching.
	Route uint32
	// Broadcast fields parsed from metadata; a nonzero BroadcastID marks
	// the message as part of a flood.
	BroadcastID  uint64
	BroadcastTTL uint8
}

// RoutingFeedback reports the outcome of one outbound dispatch, keyed by
// the tracker message ID.
type RoutingFeedback struct {
	TrackID  uint64
	Decision FeedbackDecision
	NextHop  uint64
	Message  string
}

// FeedbackDecision classifies routing feedback.
type FeedbackDecision int

const (
	FeedbackForwarded FeedbackDecision = iota
	FeedbackLocal
	FeedbackNoRoute
	FeedbackDropped
	FeedbackSendFailed
)

// applyDataMeta fills the metadata for an outbound Data frame.
func applyDataMeta(meta *wire.MetaBuilder, m *OutboundMessage) {
	if m.RequireAck {
		meta.Str(metaRequireAck, "true")
	}
	if m.TrackID != 0 {
		meta.Uint(metaTrackID, m.TrackID)
	}
	if m.IsBroadcast || m.BroadcastID != 0 {
		meta.Uint(metaBroadcastID, m.BroadcastID)
		meta.Uint(metaBroadcastTTL, uint64(m.BroadcastTTL))
	}
	for k, v := range m.Headers {
		if k == headerFrameType {
			continue
		}
		meta.Bytes(k, v)
	}
}

// parseDataFrame extracts an InboundMessage from a decoded Data frame.
// Header values arrive as CBOR bytes or text; both map to []byte.
func parseDataFrame(f *wire.Frame) (*InboundMessage, error) {
	meta, err := wire.ParseMeta(f.MetaRaw)
	if err != nil {
		return nil, err
	}
	msg := &InboundMessage{
		SrcNode: f.Fast.SrcNode,
		DstNode: f.Fast.DstNode,
		Payload: f.Payload,
		Headers: make(map[string][]byte),
		CorrID:  f.Fast.CorrID,
		TTL:     f.Fast.TTL,
		Route:   f.Fast.Route,
	}
	for k, v := range meta {
		switch k {
		case metaRequireAck:
			if s, ok := v.(string); ok {
				msg.RequireAck = s == "true"
			}
		case metaTrackID:
			msg.TrackID, _ = wire.MetaUint(meta, metaTrackID)
		case metaBroadcastID:
			msg.BroadcastID, _ = wire.MetaUint(meta, metaBroadcastID)
		case metaBroadcastTTL:
			if ttl, ok := wire.MetaUint(meta, metaBroadcastTTL); ok {
				msg.BroadcastTTL = uint8(ttl)
			}
		default:
			switch val := v.(type) {
			case []byte:
				msg.Headers[k] = val
			case string:
				msg.Headers[k] = []byte(val)
			}
		}
	}
	return msg, nil
}
