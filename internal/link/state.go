// Package link owns the lifecycle of every configured TCP endpoint: the
// link state machine, the exponential-backoff reconnect policy, and the
// manager that multiplexes links across a fixed pool of I/O workers.
package link

import (
	"math/rand"
	"time"

	"github.com/hyird/iot-manager-sub001/internal/logger"
)

// State is the externally-observable lifecycle stage of a link.
type State int

const (
	Stopped State = iota
	Listening
	Connected
	Connecting
	Reconnecting
	Error
)

// String renders state the way it is serialized to API consumers.
// Reconnecting is an internal detail, externalized as "connecting"
// alongside Connecting itself.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	case Connecting, Reconnecting:
		return "connecting"
	case Error:
		return "error"
	default:
		return "stopped"
	}
}

const (
	ReconnectBaseDelaySec = 2.0
	ReconnectMaxDelaySec  = 300.0
	ReconnectJitterRatio  = 0.2
)

// ReconnectPolicy computes the exponential-backoff delay for a client
// link's next connection attempt: base * 2^attempts, clamped to a
// ceiling, then perturbed by a uniform +/-jitter factor, then floored at
// base so a lucky negative jitter roll never produces a near-zero delay.
type ReconnectPolicy struct {
	BaseDelaySec float64
	MaxDelaySec  float64
	JitterRatio  float64
	attempts     int
	rng          *rand.Rand
}

// NewReconnectPolicy returns a policy with the protocol's default
// constants (base 2s, ceiling 300s, jitter 0.2).
func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		BaseDelaySec: ReconnectBaseDelaySec,
		MaxDelaySec:  ReconnectMaxDelaySec,
		JitterRatio:  ReconnectJitterRatio,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetDelay returns the delay, as a time.Duration, for the current attempt count.
// Order matters: exponential growth, then ceiling clamp, then jitter,
// then floor. Reversing clamp and jitter would let jitter push the
// result back above the ceiling.
func (r *ReconnectPolicy) GetDelay() time.Duration {
	delay := r.BaseDelaySec * pow2(r.attempts)
	if delay > r.MaxDelaySec {
		delay = r.MaxDelaySec
	}

	jitter := (r.rng.Float64()*2 - 1) * r.JitterRatio
	delay *= 1 + jitter

	if delay < r.BaseDelaySec {
		delay = r.BaseDelaySec
	}

	return time.Duration(delay * float64(time.Second))
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// RecordAttempt increments the attempt counter, called when the
// reconnect timer fires and a new connection attempt begins.
func (r *ReconnectPolicy) RecordAttempt() {
	r.attempts++
}

// Reset zeroes the attempt counter, called on a successful connect or an
// explicit stop.
func (r *ReconnectPolicy) Reset() {
	r.attempts = 0
}

// Attempts returns the number of reconnect attempts recorded since the
// last reset.
func (r *ReconnectPolicy) Attempts() int {
	return r.attempts
}

// StateMachine centralizes every state transition for one link. It is not
// safe for concurrent use; callers serialize access under the owning
// LinkRuntime's mutex.
type StateMachine struct {
	state     State
	reconnect *ReconnectPolicy
	errorMsg  string
	linkID    string
}

// NewStateMachine returns a machine starting in Stopped with a fresh
// reconnect policy.
func NewStateMachine(linkID string) *StateMachine {
	return &StateMachine{
		state:     Stopped,
		reconnect: NewReconnectPolicy(),
		linkID:    linkID,
	}
}

func (m *StateMachine) State() State                { return m.state }
func (m *StateMachine) ErrorMsg() string            { return m.errorMsg }
func (m *StateMachine) Reconnect() *ReconnectPolicy { return m.reconnect }

// OnStartServer transitions Stopped -> Listening.
func (m *StateMachine) OnStartServer() { m.transition(Listening, "startServer") }

// OnStartClient transitions Stopped -> Connecting.
func (m *StateMachine) OnStartClient() { m.transition(Connecting, "startClient") }

// OnConnected transitions -> Connected and resets the reconnect policy.
func (m *StateMachine) OnConnected() {
	m.transition(Connected, "connected")
	m.reconnect.Reset()
}

// OnDisconnected transitions Connected -> Reconnecting.
func (m *StateMachine) OnDisconnected() { m.transition(Reconnecting, "disconnected") }

// OnConnectionError records reason and transitions -> Reconnecting.
func (m *StateMachine) OnConnectionError(reason string) {
	m.errorMsg = reason
	m.transition(Reconnecting, "connError")
}

// OnReconnecting records a reconnect attempt and transitions -> Connecting.
func (m *StateMachine) OnReconnecting() {
	m.reconnect.RecordAttempt()
	m.transition(Connecting, "reconnectTimer")
}

// OnStop transitions -> Stopped and clears the reconnect policy and
// error message.
func (m *StateMachine) OnStop() {
	m.transition(Stopped, "stop")
	m.reconnect.Reset()
	m.errorMsg = ""
}

// transition logs only on an actual state change; same-state transitions
// are no-ops.
func (m *StateMachine) transition(newState State, event string) {
	if m.state != newState {
		logger.Debug("link state transition", logger.LinkID(m.linkID),
			"from", m.state.String(), "to", newState.String(), "event", event)
		m.state = newState
	}
}
