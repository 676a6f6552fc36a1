package correlation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry()

	id, st := r.Create()
	require.NotEmpty(t, id)
	require.NotNil(t, st)
	assert.Equal(t, id, st.ID())
	assert.Same(t, st, r.Get(id))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CreateAllocatesUniqueIDs(t *testing.T) {
	r := NewRegistry()

	id1, _ := r.Create()
	id2, _ := r.Create()
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("missing"))
}

func TestRegistry_RemoveReturnsStateOnce(t *testing.T) {
	r := NewRegistry()
	id, st := r.Create()

	assert.Same(t, st, r.Remove(id))
	assert.Nil(t, r.Remove(id))
	assert.Nil(t, r.Get(id))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentRemoveHasOneWinner(t *testing.T) {
	// Remove is the serialization point for termination: among the
	// callback, deadline, and disconnect paths only one may proceed.
	const attempts = 16

	r := NewRegistry()
	id, _ := r.Create()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Remove(id) != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestRegistry_DrainClosesChannels(t *testing.T) {
	r := NewRegistry()
	_, st1 := r.Create()
	_, st2 := r.Create()

	assert.Equal(t, 2, r.Drain())
	assert.Equal(t, 0, r.Len())

	_, open1 := <-st1.Events()
	_, open2 := <-st2.Events()
	assert.False(t, open1)
	assert.False(t, open2)
}
