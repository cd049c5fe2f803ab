package main

import (
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

const feedSize = 64

// feed carries event lines from delivery callbacks to the render loop. When
// the renderer falls behind, the oldest lines are overwritten.
type feed struct {
	ring    mpmc.RichOverlappedRingBuffer[string]
	dropped atomic.Uint64
}

func newFeed() *feed {
	return &feed{ring: mpmc.NewOverlappedRingBuffer[string](feedSize)}
}

func (f *feed) push(line string) {
	overwrites, err := f.ring.EnqueueM(line)
	if err != nil {
		f.dropped.Add(1)
		return
	}
	f.dropped.Add(uint64(overwrites))
}

// drain returns every buffered line, oldest first.
func (f *feed) drain() []string {
	var lines []string
	for !f.ring.IsEmpty() {
		line, err := f.ring.Dequeue()
		if err != nil {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

// Dropped reports how many lines were lost to overflow.
func (f *feed) Dropped() uint64 { return f.dropped.Load() }
