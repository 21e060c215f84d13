package negotiation

import "context"

// Drain applies queued events until none remain and returns how many ran.
func (s *Session) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case ev := <-s.events:
			s.handle(ctx, ev)
			n++
		default:
			return n
		}
	}
}
