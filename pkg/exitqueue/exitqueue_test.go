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

package exitqueue_test

import (
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/exitqueue"
)

var _ = Describe("Queue", func() {
	var queue *exitqueue.Queue

	BeforeEach(func() {
		var err error
		queue, err = exitqueue.New(constants.ExitQueueCapacity)
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("New", func() {
		It("rejects capacities that are not powers of two", func() {
			_, err := exitqueue.New(100)
			Expect(err).To(HaveOccurred())

			_, err = exitqueue.New(0)
			Expect(err).To(HaveOccurred())

			_, err = exitqueue.New(-8)
			Expect(err).To(HaveOccurred())
		})

		It("accepts powers of two", func() {
			for _, capacity := range []int{1, 2, 8, 128, 1024} {
				q, err := exitqueue.New(capacity)
				Expect(err).ToNot(HaveOccurred())
				Expect(q.Cap()).To(Equal(capacity))
			}
		})
	})

	Describe("Push and Pop", func() {
		It("returns events in FIFO order", func() {
			for pid := 100; pid < 110; pid++ {
				Expect(queue.Push(exitqueue.Event{PID: pid, Status: pid * 256})).To(BeTrue())
			}

			for pid := 100; pid < 110; pid++ {
				ev, ok := queue.Pop()
				Expect(ok).To(BeTrue())
				Expect(ev.PID).To(Equal(pid))
				Expect(ev.Status).To(Equal(pid * 256))
			}
		})

		It("returns ok=false on an empty queue", func() {
			_, ok := queue.Pop()
			Expect(ok).To(BeFalse())
		})

		It("tracks the queue length", func() {
			Expect(queue.Len()).To(Equal(0))

			queue.Push(exitqueue.Event{PID: 1})
			queue.Push(exitqueue.Event{PID: 2})
			Expect(queue.Len()).To(Equal(2))

			queue.Pop()
			Expect(queue.Len()).To(Equal(1))
		})

		It("reuses slots after wrapping around", func() {
			// Fill and drain the queue several times over to force the
			// indexes past the capacity.
			for round := 0; round < 5; round++ {
				for i := 0; i < queue.Cap(); i++ {
					Expect(queue.Push(exitqueue.Event{PID: round*1000 + i})).To(BeTrue())
				}
				for i := 0; i < queue.Cap(); i++ {
					ev, ok := queue.Pop()
					Expect(ok).To(BeTrue())
					Expect(ev.PID).To(Equal(round*1000 + i))
				}
			}
		})
	})

	Describe("overflow", func() {
		BeforeEach(func() {
			for i := 0; i < queue.Cap(); i++ {
				Expect(queue.Push(exitqueue.Event{PID: i})).To(BeTrue())
			}
		})

		It("drops new events and counts them", func() {
			Expect(queue.Push(exitqueue.Event{PID: 9999})).To(BeFalse())
			Expect(queue.Push(exitqueue.Event{PID: 9998})).To(BeFalse())
			Expect(queue.Dropped()).To(Equal(uint64(2)))
		})

		It("resets the drop counter when drained", func() {
			Expect(queue.Push(exitqueue.Event{PID: 9999})).To(BeFalse())

			Expect(queue.DrainedDropCount()).To(Equal(uint64(1)))
			Expect(queue.DrainedDropCount()).To(BeZero())
			Expect(queue.Dropped()).To(BeZero())
		})

		It("never overwrites queued events", func() {
			queue.Push(exitqueue.Event{PID: 9999})

			for i := 0; i < queue.Cap(); i++ {
				ev, ok := queue.Pop()
				Expect(ok).To(BeTrue())
				Expect(ev.PID).To(Equal(i))
			}

			_, ok := queue.Pop()
			Expect(ok).To(BeFalse())
		})

		It("accepts new events again after a pop", func() {
			queue.Pop()
			Expect(queue.Push(exitqueue.Event{PID: 4242})).To(BeTrue())
			Expect(queue.Len()).To(Equal(queue.Cap()))
		})
	})

	Describe("concurrent producer and consumer", func() {
		It("delivers every event exactly once in order", func() {
			const total = 10000

			received := make([]exitqueue.Event, 0, total)
			done := make(chan struct{})

			go func() {
				defer GinkgoRecover()
				defer close(done)

				for len(received) < total {
					ev, ok := queue.Pop()
					if !ok {
						runtime.Gosched()

						continue
					}
					received = append(received, ev)
				}
			}()

			for i := 0; i < total; i++ {
				for !queue.Push(exitqueue.Event{PID: i, Status: i}) {
					// Queue full, wait for the consumer to drain.
					runtime.Gosched()
				}
			}

			Eventually(done, "10s").Should(BeClosed())

			Expect(received).To(HaveLen(total))
			for i, ev := range received {
				Expect(ev.PID).To(Equal(i))
			}
			Expect(queue.Dropped()).To(BeNumerically(">=", 0))
		})
	})
})
