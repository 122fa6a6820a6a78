package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](3)
	assert.True(t, q.TryPush(1))
	assert.True(t, q.TryPush(2))
	assert.True(t, q.TryPush(3))
	assert.False(t, q.TryPush(4))

	for _, want := range []int{1, 2, 3} {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_ForcePushDropsOldest(t *testing.T) {
	q := NewQueue[int](2)
	q.ForcePush(1)
	q.ForcePush(2)
	dropped, ok := q.ForcePush(3)
	require.True(t, ok)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, []int{2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PopIfAtLeast(t *testing.T) {
	q := NewQueue[int](10)
	q.ForcePush(1)
	q.ForcePush(2)

	_, ok := q.PopIfAtLeast(3)
	assert.False(t, ok)
	assert.Equal(t, 2, q.Len())

	v, ok := q.PopIfAtLeast(2)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestQueue_WrapAround(t *testing.T) {
	q := NewQueue[int](3)
	for i := 0; i < 20; i++ {
		q.ForcePush(i)
		if i%2 == 0 {
			q.TryPop()
		}
	}
	items := q.Drain()
	require.NotEmpty(t, items)
	for i := 1; i < len(items); i++ {
		assert.Less(t, items[i-1], items[i])
	}
	assert.Equal(t, 19, items[len(items)-1])
}
