package engine_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/engine/enginetest"
	"github.com/xfeldman/mxu/internal/errdefs"
)

func adb(addr string) engine.ControllerConfig {
	return engine.ControllerConfig{
		Type:             engine.ControllerAdb,
		AdbPath:          "/usr/bin/adb",
		Address:          addr,
		ScreencapMethods: "18446744073709551615",
		InputMethods:     "1",
		Config:           "{}",
	}
}

func TestFingerprintPure(t *testing.T) {
	assert.Equal(t, adb("127.0.0.1:5555").Fingerprint(), adb("127.0.0.1:5555").Fingerprint())
	assert.NotEqual(t, adb("127.0.0.1:5555").Fingerprint(), adb("127.0.0.1:5556").Fingerprint())
}

func TestFingerprintNoSeparatorCollision(t *testing.T) {
	a := adb("x:y")
	a.AdbPath = "p"
	b := adb("y")
	b.AdbPath = "p:x"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintResolvesDefaults(t *testing.T) {
	ds := engine.Win32ScreencapDesktopDup
	implicit := engine.ControllerConfig{Type: engine.ControllerGamepad, Handle: 42}
	explicit := engine.ControllerConfig{
		Type: engine.ControllerGamepad, Handle: 42,
		GamepadType: "Xbox360", ScreencapMethod: &ds,
	}
	assert.Equal(t, implicit.Fingerprint(), explicit.Fingerprint())

	ds4 := implicit
	ds4.GamepadType = "DS4"
	assert.NotEqual(t, implicit.Fingerprint(), ds4.Fingerprint())

	padded := adb("a")
	padded.InputMethods = "001"
	assert.Equal(t, adb("a").Fingerprint(), padded.Fingerprint())
}

func TestValidateRejectsBadBitmask(t *testing.T) {
	cfg := adb("a")
	cfg.ScreencapMethods = "not-a-number"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidConfig))

	cfg = adb("a")
	cfg.InputMethods = "-1"
	assert.True(t, errors.Is(cfg.Validate(), errdefs.ErrInvalidConfig))
}

func TestValidateUnknownType(t *testing.T) {
	err := engine.ControllerConfig{Type: "Serial"}.Validate()
	assert.True(t, errors.Is(err, errdefs.ErrInvalidConfig))
}

func TestAdbMethods(t *testing.T) {
	sc, in, err := adb("a").AdbMethods()
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), sc)
	assert.Equal(t, uint64(1), in)
}

func TestGuardDestroysOnce(t *testing.T) {
	f := enginetest.New()
	h, err := f.CreateResource()
	require.NoError(t, err)

	g := engine.NewGuard(f, h)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Destroy()
		}()
	}
	wg.Wait()

	assert.True(t, g.Destroyed())
	assert.Equal(t, 1, f.DestroyCount(h))
}

func TestNilGuard(t *testing.T) {
	var g *engine.Guard
	g.Destroy()
	assert.True(t, g.Destroyed())
	assert.True(t, g.Handle().IsZero())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "succeeded", engine.StatusSucceeded.String())
	assert.Equal(t, "invalid", engine.Status(1234).String())
	assert.Equal(t, "controller", engine.KindController.String())
}
