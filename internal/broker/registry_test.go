package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testHandle(id, topic string) *Handle {
	return newHandle(id, topic, KindPaymentOperations, &fakeConsumer{id: id}, func() {})
}

func TestRegistry_TryAddRespectsLimit(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.TryAdd("payments", testHandle("a", "payments"), 2))
	assert.False(t, r.TryAdd("payments", testHandle("a", "payments"), 2), "duplicate id")
	assert.True(t, r.TryAdd("payments", testHandle("b", "payments"), 2))
	assert.False(t, r.TryAdd("payments", testHandle("c", "payments"), 2))
	assert.True(t, r.TryAdd("other", testHandle("c", "other"), 2))

	assert.Equal(t, 2, r.Count("payments"))
	assert.Equal(t, []string{"other", "payments"}, r.Topics())
}

func TestRegistry_RemoveOnlyOnce(t *testing.T) {
	r := NewRegistry()
	r.TryAdd("payments", testHandle("a", "payments"), 5)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Remove("payments", "a"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Zero(t, r.Count("payments"))
	assert.Empty(t, r.Topics())
}

func TestRegistry_ConcurrentTryAddNeverExceedsLimit(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.TryAdd("payments", testHandle(fmt.Sprintf("c%d", i), "payments"), 3)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, r.Count("payments"))
}

func TestRegistry_ListIsACopy(t *testing.T) {
	r := NewRegistry()
	r.TryAdd("payments", testHandle("a", "payments"), 5)

	list := r.List("payments")
	list[0] = nil

	assert.NotNil(t, r.List("payments")[0])
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Snapshot())

	r.TryAdd("payments", testHandle("b", "payments"), 5)
	r.TryAdd("payments", testHandle("a", "payments"), 5)
	r.TryAdd("balances", testHandle("c", "balances"), 5)

	assert.Equal(t, []HandleStatus{
		{ID: "c", Topic: "balances", Kind: "payment-operations", State: "unsubscribed"},
		{ID: "b", Topic: "payments", Kind: "payment-operations", State: "unsubscribed"},
		{ID: "a", Topic: "payments", Kind: "payment-operations", State: "unsubscribed"},
	}, r.Snapshot())
}
