//go:build !(darwin || linux)

package maafw

import (
	"fmt"
	"runtime"

	"github.com/xfeldman/mxu/internal/engine"
)

// Engine is unavailable on this platform.
type Engine struct{ engine.Engine }

// Open always fails: runtime loading is only wired for darwin and linux.
func Open(libDir string) (*Engine, error) {
	return nil, fmt.Errorf("maafw: native engine not supported on %s", runtime.GOOS)
}

func (e *Engine) Close() {}
