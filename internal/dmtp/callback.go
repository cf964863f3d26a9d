package dmtp

// StateChange describes one Session FSM transition, for external observers
// that want to log or count them without the Session exposing its internals.
type StateChange struct {
	TraceID string
	From    State
	To      State
	Packet  Type
}

// StateCallback is invoked synchronously by the session's own goroutine
// whenever its state changes (no session data crosses worker
// boundaries, so the callback runs in-line rather than over a channel).
// Long-running work should be handed off to another goroutine by the
// callback itself.
type StateCallback func(change StateChange)

// WithStateCallback registers cb to run after every FSM transition,
// including transitions that leave the state unchanged (e.g. a
// CLIENT_PROPERTY_VALUE packet).
func WithStateCallback(cb StateCallback) SessionOption {
	return func(s *Session) {
		s.onStateChange = cb
	}
}
