package transcript

import (
	"context"

	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

// Feed applies events from ch to a in arrival order and passes every
// resulting snapshot to onSnapshot (which may be nil). It returns when ctx is
// done or ch is closed; the return value is ctx.Err() in the former case and
// nil in the latter.
func Feed(ctx context.Context, a *Accumulator, ch <-chan stt.RecognitionEvent, onSnapshot func(Snapshot)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			snap := a.Apply(ev)
			if onSnapshot != nil {
				onSnapshot(snap)
			}
		}
	}
}
