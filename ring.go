// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"sync"
	"sync/atomic"
)

// PacketRing is a fixed depth queue of packets. Put never blocks, a packet
// arriving while the ring is full is dropped.
type PacketRing struct {
	mu      sync.Mutex
	slots   [][]byte
	head    int
	count   int
	dropped uint64

	ready chan struct{}
}

func NewPacketRing(depth int, packetSize int) *PacketRing {
	if depth < 1 {
		depth = 1
	}

	r := &PacketRing{
		slots: make([][]byte, depth),
		ready: make(chan struct{}, 1),
	}

	for i := range r.slots {
		r.slots[i] = make([]byte, 0, packetSize)
	}

	return r
}

// Put copies packet into the next free slot. It returns false when the
// packet was dropped.
func (r *PacketRing) Put(packet []byte) bool {
	r.mu.Lock()

	if r.count == len(r.slots) {
		r.mu.Unlock()
		atomic.AddUint64(&r.dropped, 1)

		return false
	}

	i := (r.head + r.count) % len(r.slots)
	r.slots[i] = append(r.slots[i][:0], packet...)
	r.count++

	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}

	return true
}

// Get removes the oldest packet and appends it to dst[:0].
func (r *PacketRing) Get(dst []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return dst[:0], false
	}

	packet := append(dst[:0], r.slots[r.head]...)
	r.head = (r.head + 1) % len(r.slots)
	r.count--

	return packet, true
}

// Ready is signalled after Put, possibly once for several packets.
func (r *PacketRing) Ready() <-chan struct{} {
	return r.ready
}

func (r *PacketRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.count
}

func (r *PacketRing) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}
