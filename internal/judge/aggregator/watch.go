package aggregator

import (
	"sync"

	"ojjudge/internal/judge/model"
)

type watcher struct {
	ch     chan model.SubmissionResult
	closed bool
}

// hub fans snapshots out to per-submission watchers without blocking the fold.
type hub struct {
	mu     sync.Mutex
	buffer int
	subs   map[int64]map[*watcher]struct{}
}

func newHub(buffer int) *hub {
	return &hub{buffer: buffer, subs: make(map[int64]map[*watcher]struct{})}
}

func (h *hub) subscribe(id int64) (<-chan model.SubmissionResult, func()) {
	w := &watcher{ch: make(chan model.SubmissionResult, h.buffer)}
	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*watcher]struct{})
	}
	h.subs[id][w] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set := h.subs[id]; set != nil {
			delete(set, w)
			if len(set) == 0 {
				delete(h.subs, id)
			}
		}
		h.closeLocked(w)
	}
	return w.ch, cancel
}

func (h *hub) publish(id int64, res model.SubmissionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.subs[id] {
		select {
		case w.ch <- res:
		default:
		}
	}
}

// finish delivers the final snapshot and closes every watcher of id.
func (h *hub) finish(id int64, res model.SubmissionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.subs[id] {
		select {
		case w.ch <- res:
		default:
		}
		h.closeLocked(w)
	}
	delete(h.subs, id)
}

func (h *hub) closeLocked(w *watcher) {
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}
