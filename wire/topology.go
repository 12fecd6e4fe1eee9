package wire

// NeighborInfo describes one adjacency of the originating node.
type NeighborInfo struct {
	NodeID uint64 `cbor:"node_id"`
	// Cost to reach this neighbor, as advertised by the originator.
	Cost uint32 `cbor:"cost"`
	Addr string `cbor:"addr,omitempty"`
}

// TopologyUpdate is the link-state advertisement flooded through the mesh.
// It travels as the CBOR payload of a FrameTopologyUpdate frame.
type TopologyUpdate struct {
	OriginatorNode uint64         `cbor:"originator_node"`
	SequenceNumber uint64         `cbor:"sequence_number"`
	Neighbors      []NeighborInfo `cbor:"neighbors"`
	TTL            uint8          `cbor:"ttl"`
	// Timestamp is seconds since the Unix epoch at creation.
	Timestamp uint64 `cbor:"timestamp"`
}

// ShouldForward reports whether the update may still be flooded.
func (u *TopologyUpdate) ShouldForward() bool { return u.TTL > 0 }

// DecrementTTL lowers the flood TTL, saturating at zero.
func (u *TopologyUpdate) DecrementTTL() {
	if u.TTL > 0 {
		u.TTL--
	}
}

// IsNewerThan compares sequence numbers with wraparound: the unsigned
// difference interpreted as signed must be positive.
func (u *TopologyUpdate) IsNewerThan(otherSeq uint64) bool {
	return int64(u.SequenceNumber-otherSeq) > 0
}

// EncodeTopologyUpdate serializes an update as canonical CBOR.
func EncodeTopologyUpdate(u *TopologyUpdate) ([]byte, error) {
	return Marshal(u)
}

// DecodeTopologyUpdate parses a topology update payload.
func DecodeTopologyUpdate(data []byte) (*TopologyUpdate, error) {
	var u TopologyUpdate
	if err := Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// TopologyRequest asks a peer for link-state records. TargetNode zero means
// all nodes.
type TopologyRequest struct {
	RequestingNode uint64 `cbor:"requesting_node"`
	TargetNode     uint64 `cbor:"target_node,omitempty"`
	RequestID      uint64 `cbor:"request_id"`
}

// EncodeTopologyRequest serializes a request as canonical CBOR.
func EncodeTopologyRequest(r *TopologyRequest) ([]byte, error) {
	return Marshal(r)
}

// DecodeTopologyRequest parses a topology request payload.
func DecodeTopologyRequest(data []byte) (*TopologyRequest, error) {
	var r TopologyRequest
	if err := Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
