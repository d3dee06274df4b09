package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilderPoolReuse(t *testing.T) {
	p := newBuilderPool(1)

	b := p.get()
	b.WriteString("hello")
	p.put(b)

	again := p.get()
	assert.Same(t, b, again)
	assert.Zero(t, again.Len(), "returned builders come back reset")
}

func TestBuilderPoolDropsOversized(t *testing.T) {
	p := newBuilderPool(1)

	b := &strings.Builder{}
	b.Grow(maxRetainedBuilderCap + 1)
	p.put(b)

	assert.NotSame(t, b, p.get())
}

func TestBuilderPoolFullDrops(t *testing.T) {
	p := newBuilderPool(1)
	a, b := &strings.Builder{}, &strings.Builder{}
	p.put(a)
	p.put(b)

	assert.Same(t, a, p.get())
	assert.NotSame(t, b, p.get())
}
