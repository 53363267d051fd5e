package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicy_DelayBounds(t *testing.T) {
	cases := []struct {
		attempts int
		min, max float64
	}{
		{0, 1.6, 2.4},
		{1, 3.2, 4.8},
		{2, 6.4, 9.6},
		{10, 240, 360},
	}

	for _, tc := range cases {
		p := NewReconnectPolicy()
		for i := 0; i < tc.attempts; i++ {
			p.RecordAttempt()
		}
		for i := 0; i < 50; i++ {
			d := p.GetDelay().Seconds()
			assert.GreaterOrEqual(t, d, tc.min, "attempts=%d", tc.attempts)
			assert.LessOrEqual(t, d, tc.max, "attempts=%d", tc.attempts)
		}
	}
}

func TestReconnectPolicy_ResetZeroesAttempts(t *testing.T) {
	p := NewReconnectPolicy()
	p.RecordAttempt()
	p.RecordAttempt()
	assert.Equal(t, 2, p.Attempts())
	p.Reset()
	assert.Equal(t, 0, p.Attempts())
}

func TestStateMachine_ReconnectingExternalizedAsConnecting(t *testing.T) {
	m := NewStateMachine("link-1")
	m.OnStartClient()
	assert.Equal(t, "connecting", m.State().String())
	m.OnConnected()
	assert.Equal(t, "connected", m.State().String())
	m.OnDisconnected()
	assert.Equal(t, "connecting", m.State().String())
	assert.Equal(t, Reconnecting, m.State())
}

func TestStateMachine_StopAlwaysResets(t *testing.T) {
	m := NewStateMachine("link-1")
	m.OnStartClient()
	m.OnConnectionError("boom")
	assert.Equal(t, 0, m.Reconnect().Attempts())
	m.OnReconnecting()
	assert.Equal(t, 1, m.Reconnect().Attempts())
	m.OnStop()
	assert.Equal(t, Stopped, m.State())
	assert.Equal(t, 0, m.Reconnect().Attempts())
	assert.Empty(t, m.ErrorMsg())
}
