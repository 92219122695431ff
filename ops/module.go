// Package ops implements the built-in request families of the processor:
// math, text, data and echo.
package ops

import (
	"time"

	jsonproc "github.com/xizhibei/go-json-processor"
)

// DefaultTimeout bounds a single family handler.
const DefaultTimeout = 5 * time.Second

type module struct {
	timeout time.Duration
}

// NewModule returns the module serving the four built-in request families.
func NewModule() jsonproc.Module {
	return &module{timeout: DefaultTimeout}
}

// NewModuleWithTimeout is like NewModule with a custom handler timeout.
// A zero timeout disables the limit.
func NewModuleWithTimeout(timeout time.Duration) jsonproc.Module {
	return &module{timeout: timeout}
}

func (m *module) Name() string {
	return "builtin"
}

func (m *module) Handlers() map[jsonproc.RequestType]*jsonproc.Handler {
	return map[jsonproc.RequestType]*jsonproc.Handler{
		jsonproc.TypeMath: {Method: HandleMath, Timeout: m.timeout},
		jsonproc.TypeText: {Method: HandleText, Timeout: m.timeout},
		jsonproc.TypeData: {Method: HandleData, Timeout: m.timeout},
		jsonproc.TypeEcho: {Method: HandleEcho, Timeout: m.timeout},
	}
}
