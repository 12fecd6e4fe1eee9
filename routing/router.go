package routing

import "fmt"

// DefaultTTL seeds routing contexts for locally originated traffic.
const DefaultTTL uint8 = 64

// Action classifies a routing decision.
type Action int

const (
	// ActionForward sends the message to Forward.NextHop.
	ActionForward Action = iota
	// ActionLocal delivers on this node.
	ActionLocal
	// ActionDrop discards the message for Reason.
	ActionDrop
)

// DropReason explains an ActionDrop.
type DropReason int

const (
	DropNone DropReason = iota
	DropNoRoute
	DropTTLExpired
	DropInvalidDestination
	DropRoutingLoop
	DropAdminProhibited
)

func (r DropReason) String() string {
	switch r {
	case DropNoRoute:
		return "no route to destination"
	case DropTTLExpired:
		return "TTL expired"
	case DropInvalidDestination:
		return "invalid destination"
	case DropRoutingLoop:
		return "routing loop detected"
	case DropAdminProhibited:
		return "administratively prohibited"
	}
	return "none"
}

// RoutingDecision is the full outcome of Table.Decide.
type RoutingDecision struct {
	Action  Action
	Forward Decision
	Reason  DropReason
}

func (d RoutingDecision) String() string {
	switch d.Action {
	case ActionForward:
		return fmt.Sprintf("forward via %d", d.Forward.NextHop.NodeID)
	case ActionLocal:
		return "local"
	default:
		return "drop: " + d.Reason.String()
	}
}

// RoutingContext carries everything a forwarding decision needs.
type RoutingContext struct {
	SrcNode uint64
	DstNode uint64
	TTL     uint8
	CorrID  uint64
}

// NewRoutingContext builds a context with the default routing TTL.
func NewRoutingContext(src, dst uint64, corrID uint64) RoutingContext {
	return RoutingContext{SrcNode: src, DstNode: dst, TTL: DefaultTTL, CorrID: corrID}
}

// Stats summarizes routing activity.
type Stats struct {
	LocalNodeID      uint64
	TotalRoutes      int
	DecisionsMade    uint64
	PacketsForwarded uint64
	PacketsLocal     uint64
	PacketsDropped   uint64
	DropReasons      map[string]uint64
}
