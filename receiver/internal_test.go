package receiver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/moyoez/chunkrecv/types"
)

func TestMissingIndices(t *testing.T) {
	tests := []struct {
		received []int
		total    int
		want     []int
	}{
		{nil, 3, []int{0, 1, 2}},
		{[]int{0, 1, 2}, 3, nil},
		{[]int{0, 1, 3}, 4, []int{2}},
		{[]int{0, 1, 2, 4}, 5, []int{3}},
		{[]int{2}, 3, []int{0, 1}},
		{[]int{0, 5}, 3, []int{1, 2}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, missingIndices(tt.received, tt.total), "received %v total %d", tt.received, tt.total)
	}
}

func TestReconcileTotal(t *testing.T) {
	total, err := reconcileTotal(&types.ChunkDescriptor{Index: 0, Total: 3}, 0)
	assert.NoError(t, err)
	assert.Equal(t, 3, total)

	total, err = reconcileTotal(&types.ChunkDescriptor{Index: 4, IsLast: true}, 0)
	assert.NoError(t, err)
	assert.Equal(t, 5, total)

	total, err = reconcileTotal(&types.ChunkDescriptor{Index: 1}, 5)
	assert.NoError(t, err)
	assert.Equal(t, 5, total)

	_, err = reconcileTotal(&types.ChunkDescriptor{Index: 1, Total: 4}, 5)
	assert.ErrorIs(t, err, ErrTotalChanged)

	_, err = reconcileTotal(&types.ChunkDescriptor{Index: 2, Total: 5, IsLast: true}, 0)
	assert.ErrorIs(t, err, ErrTotalChanged)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.lock("a")

	// other keys are not blocked
	done := make(chan struct{})
	go func() {
		k.lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}

	var mu sync.Mutex
	order := []string{}
	acquired := make(chan struct{})
	go func() {
		unlock := k.lock("a")
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		unlock()
		close(acquired)
	}()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	unlockA()
	<-acquired

	assert.Equal(t, []string{"first", "second"}, order)
	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}
