// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package bufferpool offers a bounded pool of reference-counted byte buffers.
package bufferpool

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool maintains a pool of buffers.
//
// If Count is >0, at most Count buffers may be outstanding at once, and Get
// blocks until one is released. This applies backpressure to producers whose
// consumers fall behind.
type Pool struct {
	// Size is the size of the buffers in this pool.
	Size int
	// Count, if >0, is the maximum number of outstanding buffers.
	Count int

	base sync.Pool

	initOnce sync.Once
	tokens   chan struct{}

	outstanding int64
}

func (bp *Pool) init() {
	bp.initOnce.Do(func() {
		if bp.Count > 0 {
			bp.tokens = make(chan struct{}, bp.Count)
		}
	})
}

// Get returns a buffer, allocating one if one is not available. The returned
// buffer has a reference count of 1 and its full Size.
//
// If the pool is bounded and exhausted, Get blocks until a buffer is released
// or c is cancelled.
//
// The caller should return the buffer to the pool by calling its Release method
// when done with it.
func (bp *Pool) Get(c context.Context) (*Buffer, error) {
	bp.init()

	if bp.tokens != nil {
		select {
		case bp.tokens <- struct{}{}:
		case <-c.Done():
			return nil, c.Err()
		}
	}

	b, ok := bp.base.Get().(*Buffer)
	if !ok {
		// Create a blank buffer. When it is released, it will be added back to
		// pool.
		b = &Buffer{
			bytes: make([]byte, bp.Size),
		}
	}

	b.pool = bp
	b.size = -1
	b.refcount = 1
	atomic.AddInt64(&bp.outstanding, 1)
	return b, nil
}

// Outstanding returns the number of buffers that have been handed out and not
// yet released.
func (bp *Pool) Outstanding() int { return int(atomic.LoadInt64(&bp.outstanding)) }

func (bp *Pool) releaseNode(b *Buffer) {
	atomic.AddInt64(&bp.outstanding, -1)
	bp.base.Put(b)
	if bp.tokens != nil {
		<-bp.tokens
	}
}

// Buffer contains a byte buffer that can be released into a Pool for reuse.
//
// Buffer is reference counted, and can be retained and released appropriately.
type Buffer struct {
	refcount int64

	bytes []byte
	size  int

	pool *Pool
}

// Bytes returns this buffer's byte slice, capped by Truncate.
func (b *Buffer) Bytes() []byte {
	if b.size >= 0 {
		return b.bytes[:b.size]
	}
	return b.bytes
}

// Len returns the number of bytes returned by Bytes.
func (b *Buffer) Len() int { return len(b.Bytes()) }

// Truncate artificially caps the number of bytes returned by Bytes.
func (b *Buffer) Truncate(size int) {
	b.size = size
}

// Release drops a reference. When the last reference is released, the buffer
// returns to its pool.
//
// Release is safe for concurrent use.
func (b *Buffer) Release() {
	if atomic.AddInt64(&b.refcount, -1) != 0 {
		return
	}

	var pool *Pool
	pool, b.pool = b.pool, nil
	pool.releaseNode(b)
}

// Retain increases the Buffer's reference count. It should be accompanied by
// a Release call to reuse the buffer when it's finished.
func (b *Buffer) Retain() { atomic.AddInt64(&b.refcount, 1) }
