package optimum

import (
	"github.com/knights-analytics/optimum/options"
)

// NewGoSession creates a session running models with the pure Go runtime. It needs neither cgo nor native libraries.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendGo, nil, opts...)
}
