package ring_test

import (
	"testing"

	"github.com/m3sys/kernel/pkg/ring"
	"github.com/stretchr/testify/assert"
)

func TestBuffer(t *testing.T) {
	t.Run("basic push and getAll", func(t *testing.T) {
		rb, err := ring.New[int](3)
		assert.NoError(t, err)

		assert.Equal(t, []int{}, rb.GetAll())
		assert.Equal(t, 0, rb.Len())
		assert.Equal(t, 3, rb.Cap())

		assert.False(t, rb.Push(1))
		assert.Equal(t, []int{1}, rb.GetAll())

		rb.Push(2)
		rb.Push(3)
		assert.Equal(t, []int{1, 2, 3}, rb.GetAll())
		assert.Equal(t, 0, rb.Dropped())
	})

	t.Run("overflow wraps around and reports eviction", func(t *testing.T) {
		rb, err := ring.New[int](3)
		assert.NoError(t, err)

		rb.Push(1)
		rb.Push(2)
		rb.Push(3)
		assert.True(t, rb.Push(4))
		assert.Equal(t, []int{2, 3, 4}, rb.GetAll())
		assert.Equal(t, 3, rb.Len())
		assert.Equal(t, 1, rb.Dropped())

		assert.True(t, rb.Push(5))
		assert.Equal(t, 2, rb.Dropped())
	})

	t.Run("clear resets state and dropped count", func(t *testing.T) {
		rb, _ := ring.New[int](2)
		rb.Push(1)
		rb.Push(2)
		rb.Push(3)
		assert.Equal(t, 1, rb.Dropped())

		rb.Clear()
		assert.Equal(t, 0, rb.Len())
		assert.Equal(t, 0, rb.Dropped())
		assert.Equal(t, []int{}, rb.GetAll())
	})

	t.Run("invalid capacity", func(t *testing.T) {
		_, err := ring.New[int](0)
		assert.Error(t, err)
	})
}
