package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost_KeepsOrderPastFullQueue(t *testing.T) {
	s := &Session{events: make(chan event, 4), done: make(chan struct{})}
	defer close(s.done)

	const n = 50
	for i := 1; i <= n; i++ {
		s.post(connEvent{gen: uint64(i)})
	}

	for want := uint64(1); want <= n; want++ {
		select {
		case ev := <-s.events:
			require.Equal(t, want, ev.(connEvent).gen)
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", want)
		}
	}

	assert.Eventually(t, func() bool {
		s.overflowMu.Lock()
		defer s.overflowMu.Unlock()
		return len(s.overflow) == 0 && !s.draining
	}, time.Second, time.Millisecond)
}
