package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_NotifyCallsEachSubscriberOnce(t *testing.T) {
	r := NewRegistry()

	var order []int
	r.Subscribe(func() { order = append(order, 1) })
	r.Subscribe(func() { order = append(order, 2) })

	r.Notify()

	assert.Equal(t, []int{1, 2}, order)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry()

	calls := 0
	unsubscribe := r.Subscribe(func() { calls++ })
	r.Notify()
	unsubscribe()
	unsubscribe()
	r.Notify()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CallbackMayUnsubscribe(t *testing.T) {
	r := NewRegistry()

	calls := 0
	var unsubscribe func()
	unsubscribe = r.Subscribe(func() {
		calls++
		unsubscribe()
	})

	r.Notify()
	r.Notify()

	assert.Equal(t, 1, calls)
}

func TestRegistry_NilCallback(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(nil)()
	assert.Equal(t, 0, r.Len())
}
