package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("one", 1))

	got, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := NewBaseRegistry[int]()
	err := r.Register("", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("one", 1))

	err := r.Register("one", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// The original entry survives the rejected registration.
	got, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestListReturnsAllItems(t *testing.T) {
	r := NewBaseRegistry[string]()
	assert.Empty(t, r.List())

	require.NoError(t, r.Register("a", "alpha"))
	require.NoError(t, r.Register("b", "beta"))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, r.List())
}

func TestConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("item-%d", i), i)
		}(i)
		go func(i int) {
			defer wg.Done()
			r.Get(fmt.Sprintf("item-%d", i))
			r.List()
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.List(), 50)
}
