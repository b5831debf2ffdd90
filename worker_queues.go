// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"sync"
	"time"
)

// queueRing is the rotation of queue names a worker polls.
//
// take removes the head of the rotation and hands it to the caller, who
// returns it with putBack once done with it. A queue removed while taken
// is not put back.
type queueRing struct {
	mu     sync.Mutex
	names  []string
	out    map[string]int // taken and not yet put back
	gone   map[string]int // taken, then removed
	signal chan struct{}  // closed and replaced when names grows
}

func newQueueRing(qnames []string) *queueRing {
	return &queueRing{
		names:  append([]string(nil), qnames...),
		out:    make(map[string]int),
		gone:   make(map[string]int),
		signal: make(chan struct{}),
	}
}

// take removes and returns the head of the rotation. If the rotation is
// empty it waits up to wait for a queue to be added, or until quit is closed.
func (r *queueRing) take(quit <-chan struct{}, wait time.Duration) (string, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		r.mu.Lock()
		if len(r.names) > 0 {
			qname := r.names[0]
			r.names = r.names[1:]
			r.out[qname]++
			r.mu.Unlock()
			return qname, true
		}
		signal := r.signal
		r.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return "", false
		case <-quit:
			return "", false
		}
	}
}

// putBack appends a taken queue to the tail of the rotation.
func (r *queueRing) putBack(qname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out[qname] > 0 {
		r.out[qname]--
		if r.out[qname] == 0 {
			delete(r.out, qname)
		}
	}
	if r.gone[qname] > 0 {
		r.gone[qname]--
		if r.gone[qname] == 0 {
			delete(r.gone, qname)
		}
		return
	}
	r.push(qname)
}

func (r *queueRing) add(qname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(qname)
}

func (r *queueRing) push(qname string) {
	r.names = append(r.names, qname)
	close(r.signal)
	r.signal = make(chan struct{})
}

// remove drops one occurrence of qname from the rotation, or every
// occurrence if all is set. Taken occurrences are dropped when put back.
func (r *queueRing) remove(qname string, all bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.names[:0:0]
	removed := false
	for _, n := range r.names {
		if n == qname && (all || !removed) {
			removed = true
			continue
		}
		kept = append(kept, n)
	}
	r.names = kept
	if all || !removed {
		r.gone[qname] = r.out[qname]
	}
}

// set replaces the rotation. Queues currently taken are dropped when put back.
func (r *queueRing) set(qnames []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for qname, n := range r.out {
		r.gone[qname] = n
	}
	r.names = append([]string(nil), qnames...)
	close(r.signal)
	r.signal = make(chan struct{})
}

// snapshot returns the queues of the rotation, including taken ones,
// in rotation order.
func (r *queueRing) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.names)+len(r.out))
	for qname, n := range r.out {
		if extra := n - r.gone[qname]; extra > 0 {
			for i := 0; i < extra; i++ {
				out = append(out, qname)
			}
		}
	}
	return append(out, r.names...)
}

func (r *queueRing) len() int {
	return len(r.snapshot())
}
