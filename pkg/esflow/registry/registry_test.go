package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	r := New[string, int]()
	assert.NotNil(t, r)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterAndGet(t *testing.T) {
	r := New[string, int]()

	r.Register("one", 1)
	r.Register("two", 2)

	v, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = r.Get("three")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}

func TestRegisterOverwriteKeepsPosition(t *testing.T) {
	r := New[string, string]()

	r.Register("a", "old")
	r.Register("b", "b")
	r.Register("a", "new")

	v, _ := r.Get("a")
	assert.Equal(t, "new", v)
	assert.Equal(t, []string{"a", "b"}, r.Keys())
}

func TestAdd(t *testing.T) {
	r := New[string, int]()

	v, ok := r.Add("key", 1)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = r.Add("key", 2)
	assert.False(t, ok)
	assert.Equal(t, 1, v, "existing value is returned")

	got, _ := r.Get("key")
	assert.Equal(t, 1, got)
}

func TestRegistrationOrder(t *testing.T) {
	r := New[string, int]()
	names := []string{"zeta", "alpha", "mu", "beta", "omega"}
	for i, n := range names {
		r.Register(n, i)
	}

	assert.Equal(t, names, r.Keys())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, r.Values())

	var visited []string
	r.Range(func(k string, _ int) bool {
		visited = append(visited, k)
		return true
	})
	assert.Equal(t, names, visited)
}

func TestDelete(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)
	r.Register("b", 2)
	r.Register("c", 3)

	r.Delete("b")
	r.Delete("missing")

	assert.False(t, r.Has("b"))
	assert.Equal(t, []string{"a", "c"}, r.Keys())
	assert.Equal(t, 2, r.Len())
}

func TestRangeEarlyStop(t *testing.T) {
	r := New[int, int]()
	for i := 0; i < 10; i++ {
		r.Register(i, i)
	}

	count := 0
	r.Range(func(_, _ int) bool {
		count++
		return count < 3
	})
	assert.Equal(t, 3, count)
}

func TestRangeAllowsMutation(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)
	r.Register("b", 2)

	visited := 0
	r.Range(func(k string, _ int) bool {
		visited++
		r.Delete(k)
		r.Register(k+"-new", 0)
		return true
	})

	assert.Equal(t, 2, visited)
	assert.Equal(t, []string{"a-new", "b-new"}, r.Keys())
}

func TestGetOrCreate(t *testing.T) {
	r := New[string, int]()

	calls := 0
	factory := func() int {
		calls++
		return 42
	}

	assert.Equal(t, 42, r.GetOrCreate("key", factory))
	assert.Equal(t, 42, r.GetOrCreate("key", factory))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"key"}, r.Keys())
}

func TestConcurrentGetOrCreate(t *testing.T) {
	r := New[string, int]()

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetOrCreate("shared", func() int {
				calls.Add(1)
				return 1
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentReadWrite(t *testing.T) {
	r := New[string, int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Register(fmt.Sprintf("k-%d-%d", id, j), j)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.Keys()
				_ = r.Values()
				r.Range(func(string, int) bool { return true })
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50*50, r.Len())
	assert.Len(t, r.Keys(), 50*50)
}

func TestLocks_MutualExclusion(t *testing.T) {
	locks := NewLocks[string]()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("agg-1")
			defer unlock()

			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, locks.Len(), "released keys are removed")
}

func TestLocks_IndependentKeys(t *testing.T) {
	locks := NewLocks[string]()

	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by lock on a")
	}

	assert.Equal(t, 1, locks.Len())
	unlockA()
	unlockA() // idempotent
	require.Equal(t, 0, locks.Len())
}

func BenchmarkGet(b *testing.B) {
	r := New[string, int]()
	r.Register("key", 42)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Get("key")
	}
}

func BenchmarkLocks(b *testing.B) {
	locks := NewLocks[int]()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		unlock := locks.Lock(i % 16)
		unlock()
	}
}
