// Package mixer provides the concrete [audio.Mixer] used for companion
// playback: a priority queue with FIFO ordering inside a priority level,
// preemption across levels, user barge-in interrupts, and a configurable
// inter-segment silence gap with jitter.
//
// The FIFO tie-break is what keeps a turn's reply behind its filler: both are
// enqueued at [audio.PrioritySpeech], in order.
package mixer

import "github.com/cadenza-voice/cadenza/pkg/audio"

// queued wraps an [audio.Segment] with scheduling metadata. seq provides
// FIFO ordering within a priority level.
type queued struct {
	segment  *audio.Segment
	priority int
	seq      uint64
}

// segmentHeap implements [container/heap.Interface] as a max-heap ordered by
// priority (descending) with FIFO tie-breaking on seq (ascending).
type segmentHeap []queued

func (h segmentHeap) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
func (h segmentHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h segmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x. Called by [container/heap.Push]; not for direct use.
func (h *segmentHeap) Push(x any) {
	*h = append(*h, x.(queued))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// not for direct use.
func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
