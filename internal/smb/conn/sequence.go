package conn

import "fmt"

// sequenceWindow validates message IDs. IDs are assigned sequentially by
// the peer but may be consumed out of order within the window that granted
// credits allow. An ID below the low edge or already consumed is a replay;
// an ID at or beyond low+span means the peer ran ahead of its grants.
//
// Caller holds the connection lock.
type sequenceWindow struct {
	low  uint64
	span uint64
	used map[uint64]bool
}

func newSequenceWindow(span uint64) sequenceWindow {
	if span == 0 {
		span = 1
	}
	return sequenceWindow{span: span, used: make(map[uint64]bool)}
}

func (w *sequenceWindow) consume(id uint64) error {
	if id < w.low {
		return fmt.Errorf("%w: %d is stale (window starts at %d)", ErrSequence, id, w.low)
	}
	if id >= w.low+w.span {
		return fmt.Errorf("%w: %d is beyond the window of %d", ErrSequence, id, w.span)
	}
	if w.used[id] {
		return fmt.Errorf("%w: %d already consumed", ErrSequence, id)
	}

	w.used[id] = true
	for w.used[w.low] {
		delete(w.used, w.low)
		w.low++
	}
	return nil
}
