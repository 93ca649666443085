package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// memorySampler reports current resident memory in KB; ok=false means no reading.
type memorySampler func() (kb int64, ok bool)

// memoryWatch polls a sampler for the life of a process, tracking the peak
// and firing onExceed once when the limit is crossed.
type memoryWatch struct {
	limitKB  int64
	sample   memorySampler
	onExceed func()

	peakKB   atomic.Int64
	exceeded atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func startMemoryWatch(interval time.Duration, limitKB int64, sample memorySampler, onExceed func()) *memoryWatch {
	w := &memoryWatch{
		limitKB:  limitKB,
		sample:   sample,
		onExceed: onExceed,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop(interval)
	return w
}

func (w *memoryWatch) loop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.poll()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *memoryWatch) poll() {
	kb, ok := w.sample()
	if !ok {
		return
	}
	w.observe(kb)
}

func (w *memoryWatch) observe(kb int64) {
	for {
		cur := w.peakKB.Load()
		if kb <= cur || w.peakKB.CompareAndSwap(cur, kb) {
			break
		}
	}
	if w.limitKB > 0 && kb > w.limitKB && w.exceeded.CompareAndSwap(false, true) {
		if w.onExceed != nil {
			w.onExceed()
		}
	}
}

// Stop ends polling and waits for the loop to exit.
func (w *memoryWatch) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *memoryWatch) PeakKB() int64 {
	return w.peakKB.Load()
}

func (w *memoryWatch) Exceeded() bool {
	return w.exceeded.Load()
}
