package core

import "strings"

// maxRetainedBuilderCap keeps pathological responses from pinning large
// buffers in the pool.
const maxRetainedBuilderCap = 1 << 20

// builderPool hands out strings.Builders over a fixed-size channel. The
// channel bound makes pool growth impossible; an empty pool allocates.
type builderPool chan *strings.Builder

func newBuilderPool(size int) builderPool {
	return make(builderPool, size)
}

func (p builderPool) get() *strings.Builder {
	select {
	case b := <-p:
		return b
	default:
		return &strings.Builder{}
	}
}

// put resets and returns a builder unless it grew past the retention cap
// or the pool is full; either way the builder is simply dropped.
func (p builderPool) put(b *strings.Builder) {
	if b.Cap() > maxRetainedBuilderCap {
		return
	}
	b.Reset()
	select {
	case p <- b:
	default:
	}
}
