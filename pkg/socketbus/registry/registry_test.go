package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type conn struct{ name string }

func TestAddRemove(t *testing.T) {
	r := New[string, *conn]()
	a, b, c := &conn{"a"}, &conn{"b"}, &conn{"c"}

	r.Add("ws", a)
	r.Add("ws", b)
	r.Add("tcp", c)

	assert.Equal(t, 2, r.Len("ws"))
	assert.Equal(t, 1, r.Len("tcp"))
	assert.True(t, r.Contains("ws", a))
	assert.False(t, r.Contains("tcp", a))

	assert.True(t, r.Remove("ws", a))
	assert.Equal(t, []*conn{b}, r.Snapshot("ws"))
	assert.Equal(t, []*conn{c}, r.Snapshot("tcp"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New[string, *conn]()
	a, b := &conn{"a"}, &conn{"b"}
	r.Add("ws", a)
	r.Add("ws", b)

	assert.True(t, r.Remove("ws", a))
	assert.False(t, r.Remove("ws", a))
	assert.False(t, r.Remove("tcp", b))
	assert.Equal(t, []*conn{b}, r.Snapshot("ws"))
}

func TestIdentityNotEquality(t *testing.T) {
	r := New[string, *conn]()
	a := &conn{"same"}
	twin := &conn{"same"}
	r.Add("ws", a)

	assert.False(t, r.Remove("ws", twin))
	assert.Equal(t, 1, r.Len("ws"))
}

func TestRemovePreservesOrder(t *testing.T) {
	r := New[int, *conn]()
	items := []*conn{{"0"}, {"1"}, {"2"}, {"3"}}
	for _, c := range items {
		r.Add(1, c)
	}
	r.Remove(1, items[1])

	assert.Equal(t, []*conn{items[0], items[2], items[3]}, r.Snapshot(1))
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New[string, *conn]()
	a := &conn{"a"}
	r.Add("ws", a)

	snap := r.Snapshot("ws")
	r.Remove("ws", a)
	assert.Len(t, snap, 1)
	assert.Empty(t, r.Snapshot("ws"))
}

func TestConcurrentUse(t *testing.T) {
	r := New[string, *conn]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &conn{}
			r.Add("tcp", c)
			r.Remove("tcp", c)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len("tcp"))
}
