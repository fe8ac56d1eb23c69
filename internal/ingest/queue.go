// Copyright 2024 The msq-tx-monitor Authors
// This file is part of the msq-tx-monitor library.
//
// The msq-tx-monitor library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The msq-tx-monitor library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the msq-tx-monitor library. If not, see <http://www.gnu.org/licenses/>.

package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
)

// Queue is the bounded buffer between the scheduler and the batch writer.
// When full it evicts the oldest event: fresher data wins, and the dropped
// block range is re-ingestable from the durable watermark.
type Queue struct {
	mu   sync.Mutex
	buf  []*model.TransferEvent
	head int
	size int

	dropped atomic.Uint64
}

// NewQueue builds a queue with a fixed capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]*model.TransferEvent, capacity)}
}

// Push appends an event, evicting the oldest when full. It reports whether
// an eviction happened.
func (q *Queue) Push(ev *model.TransferEvent) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped.Add(1)
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	return evicted
}

// PopBatch removes and returns up to max events in FIFO order.
func (q *Queue) PopBatch(max int) []*model.TransferEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]*model.TransferEvent, n)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = nil
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	return out
}

// Len reports the queued event count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap reports the fixed capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped reports the lifetime eviction count.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
