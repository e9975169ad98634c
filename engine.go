package sawmill

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/jward/sawmill/internal/core"
	"github.com/jward/sawmill/internal/database"
)

// Engine owns the build database and the run configuration. One Engine
// serves any number of builds against the same database.
type Engine struct {
	db   *database.DB
	log  zerolog.Logger
	jobs int
	lint bool
}

// New opens the build database at dbPath, creating it if needed, and
// returns an Engine ready to build.
func New(dbPath string, opts ...Option) (*Engine, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	e := &Engine{
		db:   db,
		log:  zerolog.Nop(),
		jobs: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close closes the build database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Build runs one build. configure registers rules and wants against a
// fresh rule set; everything wanted is then brought up to date, in
// parallel, skipping whatever previous runs already produced and nothing
// has invalidated since.
func (e *Engine) Build(ctx context.Context, configure func(*Rules)) error {
	c := core.New(e.db, e.jobs, e.lint, e.log)
	c.AddKind(fileKind{})
	r := &Rules{core: c}
	r.registerFallback()
	configure(r)
	return c.Run(ctx)
}

// Targets lists every target recorded in the build database with its run
// counters and dependency count.
func (e *Engine) Targets() ([]Target, error) {
	return e.db.Targets()
}

// Run returns the current run counter: how many builds this database has
// seen so far.
func (e *Engine) Run() (int64, error) {
	return e.db.Run()
}
