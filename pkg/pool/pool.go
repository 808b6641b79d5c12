// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool recycles the relay's copy buffers. Each forwarded session
// needs a large scratch buffer; pooling them keeps steady-state allocation
// flat regardless of connection churn.
package pool

import "sync"

// DefaultBufferSize fits a full jumbo-frame burst with headroom.
const DefaultBufferSize = 64 * 1024

// Buffers hands out fixed-size byte slices backed by a sync.Pool.
type Buffers struct {
	size int
	pool sync.Pool
}

// NewBuffers creates a buffer pool of the given slice size. A non-positive
// size picks DefaultBufferSize.
func NewBuffers(size int) *Buffers {
	if size <= 0 {
		size = DefaultBufferSize
	}
	b := &Buffers{size: size}
	b.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return b
}

// Get returns a buffer of the pool's size. The contents are unspecified.
func (b *Buffers) Get() []byte {
	return *b.pool.Get().(*[]byte)
}

// Put returns a buffer for reuse. Buffers of the wrong size are dropped.
func (b *Buffers) Put(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

// Size returns the pool's buffer size.
func (b *Buffers) Size() int {
	return b.size
}
