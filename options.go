package sawmill

import "github.com/rs/zerolog"

// Option configures an Engine.
type Option func(*Engine)

// WithJobs caps how many rules run at once. Suspended rules waiting on
// their dependencies do not count against the cap. Defaults to the number
// of CPUs.
func WithJobs(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.jobs = n
		}
	}
}

// WithLint enables lint checking: needed verification, read and write
// tracking. Lint failures fail the build.
func WithLint(enabled bool) Option {
	return func(e *Engine) {
		e.lint = enabled
	}
}

// WithLogger routes engine diagnostics through log. The default discards
// them.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}
