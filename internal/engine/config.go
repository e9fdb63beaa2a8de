package engine

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/xfeldman/mxu/internal/errdefs"
)

// ControllerType selects the controller variant.
type ControllerType string

const (
	ControllerAdb       ControllerType = "Adb"
	ControllerWin32     ControllerType = "Win32"
	ControllerGamepad   ControllerType = "Gamepad"
	ControllerPlayCover ControllerType = "PlayCover"
)

// Gamepad emulation types understood by the engine.
const (
	GamepadXbox360    uint64 = 0
	GamepadDualShock4 uint64 = 1
)

// Win32ScreencapDesktopDup is the DXGI desktop duplication screencap method,
// the default for gamepad controllers.
const Win32ScreencapDesktopDup uint64 = 1 << 2

// DefaultShortSide is the screenshot short side, in pixels, set on every new controller.
const DefaultShortSide = 720

// ControllerConfig is the tagged controller configuration sent by the UI.
// Which fields apply depends on Type. ADB method bitmasks travel as decimal
// strings because JavaScript numbers cannot hold a full uint64.
type ControllerConfig struct {
	Type ControllerType `json:"type"`

	// Adb
	AdbPath          string `json:"adb_path,omitempty"`
	Address          string `json:"address,omitempty"` // also PlayCover
	ScreencapMethods string `json:"screencap_methods,omitempty"`
	InputMethods     string `json:"input_methods,omitempty"`
	Config           string `json:"config,omitempty"`

	// Win32 and Gamepad
	Handle          uint64  `json:"handle,omitempty"`
	ScreencapMethod *uint64 `json:"screencap_method,omitempty"`
	MouseMethod     uint64  `json:"mouse_method,omitempty"`
	KeyboardMethod  uint64  `json:"keyboard_method,omitempty"`
	GamepadType     string  `json:"gamepad_type,omitempty"`
}

// AdbMethods parses the ADB screencap and input bitmasks.
func (c ControllerConfig) AdbMethods() (screencap, input uint64, err error) {
	screencap, err = strconv.ParseUint(strings.TrimSpace(c.ScreencapMethods), 10, 64)
	if err != nil {
		return 0, 0, errdefs.InvalidConfigf("invalid screencap_methods %q", c.ScreencapMethods)
	}
	input, err = strconv.ParseUint(strings.TrimSpace(c.InputMethods), 10, 64)
	if err != nil {
		return 0, 0, errdefs.InvalidConfigf("invalid input_methods %q", c.InputMethods)
	}
	return screencap, input, nil
}

// GamepadKind resolves GamepadType, defaulting to Xbox 360.
func (c ControllerConfig) GamepadKind() uint64 {
	switch c.GamepadType {
	case "DualShock4", "DS4":
		return GamepadDualShock4
	default:
		return GamepadXbox360
	}
}

// GamepadScreencap resolves the gamepad screencap method, defaulting to desktop duplication.
func (c ControllerConfig) GamepadScreencap() uint64 {
	if c.ScreencapMethod == nil {
		return Win32ScreencapDesktopDup
	}
	return *c.ScreencapMethod
}

// Validate checks the configuration can be turned into a controller on this host.
func (c ControllerConfig) Validate() error {
	return c.validateFor(runtime.GOOS)
}

func (c ControllerConfig) validateFor(goos string) error {
	switch c.Type {
	case ControllerAdb:
		if c.AdbPath == "" || c.Address == "" {
			return errdefs.InvalidConfigf("adb controller needs adb_path and address")
		}
		_, _, err := c.AdbMethods()
		return err
	case ControllerWin32:
		if c.Handle == 0 {
			return errdefs.InvalidConfigf("win32 controller needs a window handle")
		}
		if c.ScreencapMethod == nil {
			return errdefs.InvalidConfigf("win32 controller needs screencap_method")
		}
		return nil
	case ControllerGamepad:
		if c.Handle == 0 {
			return errdefs.InvalidConfigf("gamepad controller needs a window handle")
		}
		return nil
	case ControllerPlayCover:
		if goos != "darwin" {
			return errdefs.InvalidConfigf("PlayCover controller is only supported on macOS")
		}
		if c.Address == "" {
			return errdefs.InvalidConfigf("playcover controller needs an address")
		}
		return nil
	default:
		return errdefs.InvalidConfigf("unknown controller type %q", c.Type)
	}
}

// Fingerprint returns the pool key for c. Two configurations get the same
// fingerprint exactly when they would build the same controller: defaults are
// resolved first and every string field is quoted so separators inside
// addresses or paths cannot make distinct tuples collide.
func (c ControllerConfig) Fingerprint() string {
	var b strings.Builder
	field := func(s string) {
		b.WriteByte(':')
		b.WriteString(strconv.Quote(s))
	}
	num := func(n uint64) {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(n, 10))
	}

	switch c.Type {
	case ControllerAdb:
		b.WriteString("adb")
		field(c.AdbPath)
		field(c.Address)
		field(canonicalUint(c.ScreencapMethods))
		field(canonicalUint(c.InputMethods))
		field(c.Config)
	case ControllerWin32:
		b.WriteString("win32")
		num(c.Handle)
		if c.ScreencapMethod != nil {
			num(*c.ScreencapMethod)
		} else {
			field("")
		}
		num(c.MouseMethod)
		num(c.KeyboardMethod)
	case ControllerGamepad:
		b.WriteString("gamepad")
		num(c.Handle)
		num(c.GamepadKind())
		num(c.GamepadScreencap())
	case ControllerPlayCover:
		b.WriteString("playcover")
		field(c.Address)
	default:
		b.WriteString("unknown")
		field(string(c.Type))
	}
	return b.String()
}

// canonicalUint normalises a decimal string so "010" and "10" agree.
// Unparseable input is kept verbatim.
func canonicalUint(s string) string {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return s
	}
	return strconv.FormatUint(n, 10)
}
