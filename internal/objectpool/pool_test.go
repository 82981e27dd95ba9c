package objectpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type block struct {
	value int
}

func TestAcquireAllocatesUpToMax(t *testing.T) {
	p := New(2, func() *block { return &block{} }, func(b *block) { b.value = 0 })

	b1, ok := p.Acquire()
	require.True(t, ok)
	b2, ok := p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	assert.False(t, ok, "pool should refuse a third allocation at max=2")

	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 0, stats.Free)

	p.Release(b1)
	p.Release(b2)
	stats = p.Stats()
	assert.Equal(t, 2, stats.Free)
	assert.Equal(t, 0, stats.InUse)
}

func TestReleaseResetsValue(t *testing.T) {
	p := New(1, func() *block { return &block{} }, func(b *block) { b.value = -1 })

	b, ok := p.Acquire()
	require.True(t, ok)
	b.value = 42
	p.Release(b)

	b2, ok := p.Acquire()
	require.True(t, ok)
	assert.Same(t, b, b2, "a pool of size 1 must recycle the same object")
	assert.Equal(t, -1, b2.value, "Reset should have run before reuse")
}

func TestSetMaxRaisesCeilingLive(t *testing.T) {
	p := New(1, func() *block { return &block{} }, func(b *block) { b.value = 0 })

	_, ok := p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	require.False(t, ok, "max=1 should refuse a second allocation")

	p.SetMax(2)
	_, ok = p.Acquire()
	assert.True(t, ok, "raising max live should permit growth past the old ceiling")
}

func TestSetMaxLoweringCeilingDoesNotEvict(t *testing.T) {
	p := New(2, func() *block { return &block{} }, func(b *block) { b.value = 0 })
	b1, ok := p.Acquire()
	require.True(t, ok)
	b2, ok := p.Acquire()
	require.True(t, ok)

	p.SetMax(1)
	assert.Equal(t, 2, p.Stats().Total, "lowering max must not evict objects already allocated")

	p.Release(b1)
	p.Release(b2)
}

func TestUnboundedPoolNeverRefuses(t *testing.T) {
	p := New(0, func() *block { return &block{} }, nil)
	for i := 0; i < 100; i++ {
		_, ok := p.Acquire()
		require.True(t, ok)
	}
	assert.Equal(t, 100, p.Stats().Total)
}
