package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolReuse(t *testing.T) {
	p := NewPool[int](2)
	i1, v1, ok := p.Alloc()
	assert.True(t, ok)
	*v1 = 10
	i2, _, ok := p.Alloc()
	assert.True(t, ok)
	assert.NotEqual(t, i1, i2)
	assert.True(t, p.Full())

	_, _, ok = p.Alloc()
	assert.False(t, ok)

	p.Free(i1)
	assert.Nil(t, p.Get(i1))
	assert.Equal(t, 1, p.Len())

	i3, v3, ok := p.Alloc()
	assert.True(t, ok)
	assert.Equal(t, i1, i3)
	assert.Equal(t, 0, *v3, "reused slot must be zeroed")

	// double free is ignored
	p.Free(i2)
	p.Free(i2)
	assert.Equal(t, 1, p.Len())
}

func TestPoolAll(t *testing.T) {
	p := NewPool[string](4)
	for _, s := range []string{"a", "b", "c"} {
		_, v, _ := p.Alloc()
		*v = s
	}
	p.Free(1)
	got := make([]string, 0)
	for _, v := range p.All() {
		got = append(got, *v)
	}
	assert.Equal(t, []string{"a", "c"}, got)

	p.Reset()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 4, p.Cap())
}
