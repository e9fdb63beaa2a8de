package pool

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/engine/enginetest"
)

func adbConfig(addr string) engine.ControllerConfig {
	return engine.ControllerConfig{
		Type:             engine.ControllerAdb,
		AdbPath:          "adb",
		Address:          addr,
		ScreencapMethods: "1",
		InputMethods:     "1",
	}
}

func newController(t *testing.T, f *enginetest.Fake) *engine.Guard {
	t.Helper()
	h, err := f.CreateController(adbConfig("x"), "")
	require.NoError(t, err)
	return engine.NewGuard(f, h)
}

func TestSharedControllerSingleDestroy(t *testing.T) {
	f := enginetest.New()
	p := New()
	fp := Fingerprint(adbConfig("127.0.0.1:5555"))
	g := newController(t, f)

	require.True(t, p.Insert(fp, g, "a"))
	h, ok := p.Get(fp, "b")
	require.True(t, ok)
	assert.Equal(t, g.Handle(), h)
	assert.Equal(t, int64(2), p.RefCount(fp))
	assert.Equal(t, []string{"a", "b"}, p.FindInstancesByHandle(h.Addr))

	assert.Nil(t, p.Release(fp, "a"))
	assert.Equal(t, int64(1), p.RefCount(fp))
	assert.Equal(t, 0, f.DestroyCount(h))
	assert.Equal(t, []string{"b"}, p.FindInstancesByHandle(h.Addr))

	last := p.Release(fp, "b")
	require.NotNil(t, last)
	last.Destroy()
	assert.Equal(t, 1, f.DestroyCount(h))
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.FindInstancesByHandle(h.Addr))
}

func TestGetIsIdempotentPerOwner(t *testing.T) {
	f := enginetest.New()
	p := New()
	fp := Fingerprint(adbConfig("a"))
	p.Insert(fp, newController(t, f), "a")

	p.Get(fp, "a")
	p.Get(fp, "a")
	assert.Equal(t, int64(1), p.RefCount(fp))
	assert.NotNil(t, p.Release(fp, "a"))
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	f := enginetest.New()
	p := New()
	fp := Fingerprint(adbConfig("a"))
	p.Insert(fp, newController(t, f), "a")

	assert.Nil(t, p.Release("missing", "a"))
	assert.Nil(t, p.Release(fp, "stranger"))
	assert.Equal(t, int64(1), p.RefCount(fp))
}

func TestInsertExistingKeepsEntry(t *testing.T) {
	f := enginetest.New()
	p := New()
	fp := Fingerprint(adbConfig("a"))
	first := newController(t, f)
	second := newController(t, f)

	assert.True(t, p.Insert(fp, first, "a"))
	assert.False(t, p.Insert(fp, second, "b"))
	h, _ := p.Get(fp, "b")
	assert.Equal(t, first.Handle(), h)
}

func TestAcquireCreatesOnce(t *testing.T) {
	f := enginetest.New()
	p := New()
	fp := Fingerprint(adbConfig("a"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := p.Acquire(fp, fmt.Sprintf("inst-%d", i), func() (*engine.Guard, error) {
				h, err := f.CreateController(adbConfig("a"), "")
				return engine.NewGuard(f, h), err
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.Created(engine.KindController))
	assert.Equal(t, int64(16), p.RefCount(fp))
}

func TestAcquireCreateError(t *testing.T) {
	p := New()
	_, created, err := p.Acquire("fp", "a", func() (*engine.Guard, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, p.Len())
}

// Random interleavings of get and release across instances must destroy each
// controller exactly once per zero crossing.
func TestDestroyCountMatchesZeroCrossings(t *testing.T) {
	f := enginetest.New()
	p := New()
	rng := rand.New(rand.NewSource(1))
	fps := []string{Fingerprint(adbConfig("a")), Fingerprint(adbConfig("b"))}
	instances := []string{"i1", "i2", "i3"}
	held := map[string]map[string]bool{}
	crossings := 0

	for step := 0; step < 2000; step++ {
		fp := fps[rng.Intn(len(fps))]
		id := instances[rng.Intn(len(instances))]
		if held[fp] == nil {
			held[fp] = map[string]bool{}
		}
		if rng.Intn(2) == 0 {
			_, _, err := p.Acquire(fp, id, func() (*engine.Guard, error) { return newController(t, f), nil })
			require.NoError(t, err)
			held[fp][id] = true
		} else {
			if g := p.Release(fp, id); g != nil {
				g.Destroy()
				crossings++
			}
			delete(held[fp], id)
		}
		assert.Equal(t, int64(len(held[fp])), p.RefCount(fp))
	}

	assert.Equal(t, crossings, len(f.Destroys))
	assert.Equal(t, f.Created(engine.KindController), crossings+p.Len())
}

func TestDrain(t *testing.T) {
	f := enginetest.New()
	p := New()
	p.Insert("a", newController(t, f), "x")
	p.Insert("b", newController(t, f), "y")

	guards := p.Drain()
	assert.Len(t, guards, 2)
	assert.Equal(t, 0, p.Len())
}
