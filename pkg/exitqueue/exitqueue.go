// Copyright 2025 Casey Koons
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exitqueue carries child exit events from the reaper to the
// completion worker. The queue is a fixed-size lock-free ring with exactly
// one producer (the reaper) and one consumer (the completion worker).
package exitqueue

import (
	"fmt"
	"sync/atomic"

	"github.com/ckoons/argod/pkg/metrics"
)

// Event is one reaped child exit: the PID and the raw wait status as
// returned by wait4. The consumer decodes the status; the producer never
// interprets it.
type Event struct {
	PID    int
	Status int
}

// Queue is a single-producer single-consumer ring buffer.
//
// head and tail only ever increase; slot = index & mask. The producer owns
// tail, the consumer owns head, so neither index is ever written from two
// goroutines. A full queue drops the NEW event and counts it, it never
// overwrites queued events.
type Queue struct {
	buf     []Event
	mask    uint64
	head    atomic.Uint64
	tail    atomic.Uint64
	dropped atomic.Uint64
}

// New creates a queue with the given capacity, which must be a power of two.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("exit queue capacity must be a power of two, got %d", capacity)
	}

	return &Queue{
		buf:  make([]Event, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// Push adds an event to the queue. Returns false if the queue is full;
// the event is dropped and counted, existing events are left untouched.
// Only the reaper goroutine may call Push.
func (q *Queue) Push(ev Event) bool {
	tail := q.tail.Load()
	head := q.head.Load()

	if tail-head >= uint64(len(q.buf)) {
		q.dropped.Add(1)
		metrics.IncExitQueueDropped()

		return false
	}

	q.buf[tail&q.mask] = ev
	// The slot write must be visible before the tail advance. Go's atomics
	// are sequentially consistent, so the Store publishes the slot.
	q.tail.Store(tail + 1)

	metrics.IncExitEvents()
	metrics.SetExitQueueDepth(int(tail + 1 - head))

	return true
}

// Pop removes and returns the oldest event. Returns ok=false when the
// queue is empty. Only the completion worker goroutine may call Pop.
func (q *Queue) Pop() (Event, bool) {
	head := q.head.Load()
	tail := q.tail.Load()

	if head == tail {
		return Event{}, false
	}

	ev := q.buf[head&q.mask]
	q.head.Store(head + 1)

	metrics.SetExitQueueDepth(int(tail - head - 1))

	return ev, true
}

// Len returns the number of queued events. The value is a snapshot; it is
// exact only from the producer or consumer goroutine.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the fixed capacity of the queue.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of events dropped because the queue was
// full, counted since the last DrainedDropCount call. The cumulative
// total lives in the argo_daemon_exit_queue_dropped_total metric.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// DrainedDropCount atomically reads and resets the drop counter. The
// completion worker calls it once per pass so each burst of drops is
// reported exactly once.
func (q *Queue) DrainedDropCount() uint64 {
	return q.dropped.Swap(0)
}
