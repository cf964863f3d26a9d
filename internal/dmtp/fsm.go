package dmtp

import "fmt"

// State is a Session's position in the protocol lifecycle.
type State uint8

const (
	StateAwaitIdent State = iota
	StateIdentified
	StateInBlock
	StateAwaitEOBAck // duplex only
	StateTerminated
)

var stateNames = [...]string{
	"AWAIT_IDENT", "IDENTIFIED", "IN_BLOCK", "AWAIT_EOB_ACK", "TERMINATED",
}

// String returns the state's symbolic name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}

// transition records which states accept a given packet type and what
// state results. It is consulted before any side-effecting work runs, so a
// structurally illegal packet (e.g. an event packet before identification)
// is rejected uniformly regardless of which handler would otherwise run it.
type transition struct {
	from []State
	to   State
}

// transitions enumerates every state/packet-type pair the FSM accepts.
// Handler methods on Session perform the side effects (store calls,
// response packets); this table only decides whether the packet is legal
// in the session's current state.
var transitions = map[Type]transition{
	TypeClientUniqueID:    {from: []State{StateAwaitIdent}, to: StateAwaitIdent},
	TypeClientAccountID:   {from: []State{StateAwaitIdent}, to: StateAwaitIdent},
	TypeClientDeviceID:    {from: []State{StateAwaitIdent}, to: StateAwaitIdent},
	TypeClientError:       {from: []State{StateIdentified, StateInBlock}, to: StateInBlock},
	TypeClientFormatDef24: {from: []State{StateIdentified, StateInBlock}, to: StateInBlock},
	TypeClientEOBMore:     {from: []State{StateIdentified, StateInBlock}, to: StateIdentified},
	TypeClientEOBDone:     {from: []State{StateIdentified, StateInBlock}, to: StateTerminated},
}

// noStateChange lists packet types that are legal from IDENTIFIED or
// IN_BLOCK but cause no state transition ("forward to the
// store's observability sink; no state change").
var noStateChange = map[Type]bool{
	TypeClientPropertyValue: true,
	TypeClientDiagnostic:    true,
}

// Allowed reports whether pt may be processed while the session is in
// state s. Event packets (standard or custom) are allowed from IDENTIFIED
// or IN_BLOCK, same as the other in-block packet types, and are handled
// separately since their target state (IN_BLOCK) is common to all of them.
func Allowed(s State, pt Type) bool {
	if pt.IsEventType() || noStateChange[pt] {
		return s == StateIdentified || s == StateInBlock
	}
	t, ok := transitions[pt]
	if !ok {
		return false
	}
	for _, from := range t.from {
		if from == s {
			return true
		}
	}
	return false
}

// Next returns the state the FSM moves to after accepting pt from state s.
// Callers must check Allowed(s, pt) first.
func Next(s State, pt Type) State {
	if noStateChange[pt] {
		return s
	}
	if pt.IsEventType() {
		return StateInBlock
	}
	if t, ok := transitions[pt]; ok {
		return t.to
	}
	return s
}
