package relay

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLRUSetEviction(t *testing.T) {
	set := NewLRUSet[int](3)

	set.Add(1)
	set.Add(2)
	set.Add(3)
	assert.Equal(t, set.Size(), 3)

	// touching 1 makes 2 the least recently used
	assert.Equal(t, set.Has(1), true)

	set.Add(4)
	assert.Equal(t, set.Size(), 3)
	assert.Equal(t, set.Has(2), false)
	assert.Equal(t, set.Has(1), true)
	assert.Equal(t, set.Has(3), true)
	assert.Equal(t, set.Has(4), true)
}

func TestLRUSetReAddPromotes(t *testing.T) {
	set := NewLRUSet[string](2)

	set.Add("a")
	set.Add("b")
	// re-adding an existing value promotes it instead of growing the set
	set.Add("a")
	assert.Equal(t, set.Size(), 2)

	set.Add("c")
	assert.Equal(t, set.Has("b"), false)
	assert.Equal(t, set.Has("a"), true)
	assert.Equal(t, set.Has("c"), true)
}

func TestLRUSetValuesOrder(t *testing.T) {
	set := NewLRUSet[int](4)

	set.Add(1)
	set.Add(2)
	set.Add(3)
	assert.Equal(t, set.Values(), []int{3, 2, 1})

	set.Has(1)
	assert.Equal(t, set.Values(), []int{1, 3, 2})
}

func TestLRUSetDelete(t *testing.T) {
	set := NewLRUSet[int](3)

	set.Add(1)
	set.Add(2)

	assert.Equal(t, set.Delete(1), true)
	assert.Equal(t, set.Delete(1), false)
	assert.Equal(t, set.Size(), 1)
	assert.Equal(t, set.Has(1), false)
	assert.Equal(t, set.Has(2), true)

	set.Clear()
	assert.Equal(t, set.Size(), 0)
	assert.Equal(t, set.Values(), []int{})
}

func TestLRUSetInvalidSize(t *testing.T) {
	defer func() {
		assert.NotEqual(t, recover(), nil)
	}()
	NewLRUSet[int](0)
}
