// Package discovery scans for controllable targets and remembers the last
// result of each scan, so a reloaded UI can show devices without rescanning.
package discovery

import (
	"log"
	"regexp"
	"sync"

	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/errdefs"
)

// EngineFunc returns the active engine, or an error when none is loaded.
type EngineFunc func() (engine.Engine, error)

// Scanner runs toolkit scans and caches their results.
type Scanner struct {
	engine EngineFunc

	adbMu sync.Mutex
	adb   []engine.AdbDevice

	winMu   sync.Mutex
	windows []engine.DesktopWindow
}

// NewScanner creates a scanner with empty caches.
func NewScanner(fn EngineFunc) *Scanner {
	return &Scanner{engine: fn}
}

// FindAdbDevices scans for ADB devices and replaces the cache.
func (s *Scanner) FindAdbDevices() ([]engine.AdbDevice, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	devices, err := eng.FindAdbDevices()
	if err != nil {
		return nil, errdefs.NativeFailuref("find adb devices: %v", err)
	}
	if devices == nil {
		devices = []engine.AdbDevice{}
	}
	log.Printf("discovery: %d adb device(s)", len(devices))

	s.adbMu.Lock()
	s.adb = append([]engine.AdbDevice(nil), devices...)
	s.adbMu.Unlock()
	return devices, nil
}

// FindDesktopWindows scans top-level windows, keeping those whose class
// and title match the given patterns. An empty pattern matches everything;
// a pattern that does not compile is ignored with a warning.
func (s *Scanner) FindDesktopWindows(classRegex, windowRegex string) ([]engine.DesktopWindow, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	all, err := eng.FindDesktopWindows()
	if err != nil {
		return nil, errdefs.NativeFailuref("find desktop windows: %v", err)
	}

	classRe := compile("class", classRegex)
	windowRe := compile("window", windowRegex)

	windows := make([]engine.DesktopWindow, 0, len(all))
	for _, w := range all {
		if classRe != nil && !classRe.MatchString(w.ClassName) {
			continue
		}
		if windowRe != nil && !windowRe.MatchString(w.WindowName) {
			continue
		}
		windows = append(windows, w)
	}
	log.Printf("discovery: %d of %d window(s) match", len(windows), len(all))

	s.winMu.Lock()
	s.windows = append([]engine.DesktopWindow(nil), windows...)
	s.winMu.Unlock()
	return windows, nil
}

func compile(what, expr string) *regexp.Regexp {
	if expr == "" {
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		log.Printf("discovery: ignoring invalid %s filter %q: %v", what, expr, err)
		return nil
	}
	return re
}

// CachedAdbDevices returns the result of the last ADB scan.
func (s *Scanner) CachedAdbDevices() []engine.AdbDevice {
	s.adbMu.Lock()
	defer s.adbMu.Unlock()
	return append([]engine.AdbDevice{}, s.adb...)
}

// CachedDesktopWindows returns the result of the last window scan.
func (s *Scanner) CachedDesktopWindows() []engine.DesktopWindow {
	s.winMu.Lock()
	defer s.winMu.Unlock()
	return append([]engine.DesktopWindow{}, s.windows...)
}
