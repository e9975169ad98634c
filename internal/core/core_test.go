package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/sawmill/internal/database"
)

// memKey / memKind form a tiny in-memory kind: probed answers come from a
// mutable map instead of the filesystem.
type memKey struct {
	name string
}

func (k memKey) Kind() string { return "mem" }
func (k memKey) ID() string   { return k.name }

type memKind struct {
	mu     sync.Mutex
	stored map[string]string
}

func newMemKind() *memKind {
	return &memKind{stored: make(map[string]string)}
}

func (m *memKind) set(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[name] = value
}

func (m *memKind) Kind() string { return "mem" }

func (m *memKind) Stored(k Key) (Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.stored[k.ID()]
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

func (m *memKind) Equal(a, b Value) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func (m *memKind) EncodeValue(v Value) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected value %T", v)
	}
	return []byte(s), nil
}

func (m *memKind) DecodeValue(data []byte) (Value, error) {
	return string(data), nil
}

func (m *memKind) DecodeKey(id string) (Key, error) {
	return memKey{name: id}, nil
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

// runOnce configures a fresh core against db and runs it. Cores are
// single-use, so cross-run tests call this repeatedly.
func runOnce(db *database.DB, kind *memKind, lint bool, setup func(c *Core)) error {
	c := New(db, 4, lint, zerolog.Nop())
	c.AddKind(kind)
	setup(c)
	return c.Run(context.Background())
}

// storedRule registers a rule whose handler bumps counter, writes value
// into the kind's backing map, and returns it.
func storedRule(kind *memKind, counter *atomic.Int64, name, value string, needs ...string) Rule {
	return Rule{
		Label:    "rule " + name,
		Priority: 1,
		Match:    func(k Key) bool { return k.ID() == name },
		Run: func(ex *Execution, k Key) (Value, error) {
			counter.Add(1)
			if len(needs) > 0 {
				keys := make([]Key, len(needs))
				for i, n := range needs {
					keys[i] = memKey{name: n}
				}
				if _, err := ex.Apply(keys); err != nil {
					return nil, err
				}
			}
			kind.set(name, value)
			return value, nil
		},
	}
}

func wantAction(names ...string) func(*Execution) error {
	return func(ex *Execution) error {
		keys := make([]Key, len(names))
		for i, n := range names {
			keys[i] = memKey{name: n}
		}
		_, err := ex.Apply(keys)
		return err
	}
}

func TestRun_MemoizesWithinRun(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "a", "v1"))
		c.AddAction(wantAction("a"))
		c.AddAction(wantAction("a"))
		c.AddAction(wantAction("a"))
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), runs.Load(), "three actions share one resolution")
}

func TestRun_SkipsValidAcrossRuns(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	setup := func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "a", "v1"))
		c.AddAction(wantAction("a"))
	}
	require.NoError(t, runOnce(db, kind, false, setup))
	require.NoError(t, runOnce(db, kind, false, setup))
	assert.Equal(t, int64(1), runs.Load(), "unchanged stored answer is not rebuilt")
}

func TestRun_RebuildsWhenProbeChanges(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	setup := func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "a", "v1"))
		c.AddAction(wantAction("a"))
	}
	require.NoError(t, runOnce(db, kind, false, setup))

	// something external rewrote the stored answer
	kind.set("a", "tampered")
	require.NoError(t, runOnce(db, kind, false, setup))
	assert.Equal(t, int64(2), runs.Load())
}

func TestRun_EarlyCutoff(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var aRuns, bRuns atomic.Int64

	setup := func(c *Core) {
		c.AddRule("mem", storedRule(kind, &aRuns, "a", "same"))
		c.AddRule("mem", storedRule(kind, &bRuns, "b", "out", "a"))
		c.AddAction(wantAction("b"))
	}
	require.NoError(t, runOnce(db, kind, false, setup))
	assert.Equal(t, int64(1), aRuns.Load())
	assert.Equal(t, int64(1), bRuns.Load())

	// force a to rebuild; its handler produces an identical answer, so b
	// must not rerun
	kind.set("a", "tampered")
	require.NoError(t, runOnce(db, kind, false, setup))
	assert.Equal(t, int64(2), aRuns.Load())
	assert.Equal(t, int64(1), bRuns.Load())
}

func TestRun_ChangedDepRebuildsConsumer(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var aRuns, bRuns atomic.Int64
	aValue := "v1"

	setup := func(c *Core) {
		c.AddRule("mem", Rule{
			Label:    "rule a",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				aRuns.Add(1)
				kind.set("a", aValue)
				return aValue, nil
			},
		})
		c.AddRule("mem", storedRule(kind, &bRuns, "b", "out", "a"))
		c.AddAction(wantAction("b"))
	}
	require.NoError(t, runOnce(db, kind, false, setup))

	aValue = "v2"
	kind.set("a", "tampered")
	require.NoError(t, runOnce(db, kind, false, setup))
	assert.Equal(t, int64(2), aRuns.Load())
	assert.Equal(t, int64(2), bRuns.Load(), "changed dependency dirties the consumer")
}

func TestRun_NoRule(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddAction(wantAction("orphan"))
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "no rule matches the target", be.Title)
}

func TestRun_AmbiguousRules(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "a", "x"))
		c.AddRule("mem", Rule{
			Label:    "shadow",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run:      func(ex *Execution, k Key) (Value, error) { return "y", nil },
		})
		c.AddAction(wantAction("a"))
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "multiple rules match the target", be.Title)
}

func TestRun_HigherPriorityWins(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var low, high atomic.Int64

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddRule("mem", Rule{
			Label:    "low",
			Priority: 0,
			Match:    func(k Key) bool { return true },
			Run: func(ex *Execution, k Key) (Value, error) {
				low.Add(1)
				kind.set(k.ID(), "low")
				return "low", nil
			},
		})
		c.AddRule("mem", Rule{
			Label:    "high",
			Priority: 2,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				high.Add(1)
				kind.set(k.ID(), "high")
				return "high", nil
			},
		})
		c.AddAction(wantAction("a"))
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), low.Load())
	assert.Equal(t, int64(1), high.Load())
}

func TestRun_CycleDetected(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "a", "x", "b"))
		c.AddRule("mem", storedRule(kind, &runs, "b", "y", "a"))
		c.AddAction(wantAction("a"))
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "dependency cycle detected", be.Title)
}

func TestRun_NestedNeedsDoNotStarvePool(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	// one job slot, a chain of nested needs four deep: deadlocks unless
	// waiters give their slot back
	c := New(db, 1, false, zerolog.Nop())
	c.AddKind(kind)
	c.AddRule("mem", storedRule(kind, &runs, "d", "4"))
	c.AddRule("mem", storedRule(kind, &runs, "c", "3", "d"))
	c.AddRule("mem", storedRule(kind, &runs, "b", "2", "c"))
	c.AddRule("mem", storedRule(kind, &runs, "a", "1", "b"))
	c.AddAction(wantAction("a"))
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, int64(4), runs.Load())
}

func TestRun_RuleErrorCarriesTargetAndRule(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddRule("mem", Rule{
			Label:    "boom rule",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				return nil, errors.New("exit status 1")
			},
		})
		c.AddAction(wantAction("a"))
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "rule failed", be.Title)
	assert.Contains(t, be.Error(), "boom rule")
	assert.Contains(t, be.Error(), "exit status 1")
}

func TestRun_DepGroupsRecordedInOrder(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "x", "1"))
		c.AddRule("mem", storedRule(kind, &runs, "y", "2"))
		c.AddRule("mem", Rule{
			Label:    "two groups",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "top" },
			Run: func(ex *Execution, k Key) (Value, error) {
				if _, err := ex.Apply([]Key{memKey{"x"}}); err != nil {
					return nil, err
				}
				if _, err := ex.Apply([]Key{memKey{"y"}}); err != nil {
					return nil, err
				}
				kind.set("top", "done")
				return "done", nil
			},
		})
		c.AddAction(wantAction("top"))
	})
	require.NoError(t, err)

	rec, ok, err := db.Lookup(database.KeyID{Kind: "mem", ID: "top"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]database.KeyID{
		{{Kind: "mem", ID: "x"}},
		{{Kind: "mem", ID: "y"}},
	}, rec.Deps)
}

func TestRun_LintReadUndeclared(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()

	err := runOnce(db, kind, true, func(c *Core) {
		c.AddRule("mem", Rule{
			Label:    "sneaky",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				ex.TrackRead(memKey{name: "hidden-input"})
				kind.set("a", "x")
				return "x", nil
			},
		})
		c.AddAction(wantAction("a"))
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Title, "never declared as a dependency")
}

func TestRun_LintReadDeclaredOrAllowed(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	err := runOnce(db, kind, true, func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "in", "v"))
		c.AddRule("mem", Rule{
			Label:    "honest",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				if _, err := ex.Apply([]Key{memKey{"in"}}); err != nil {
					return nil, err
				}
				ex.TrackRead(memKey{name: "in"})
				ex.TrackAllow(func(k Key) bool { return k.ID() == "scratch" })
				ex.TrackRead(memKey{name: "scratch"})
				kind.set("a", "x")
				return "x", nil
			},
		})
		c.AddAction(wantAction("a"))
	})
	require.NoError(t, err)
}

func TestRun_LintTrackingOffByDefault(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()

	err := runOnce(db, kind, false, func(c *Core) {
		c.AddRule("mem", Rule{
			Label:    "sneaky",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				ex.TrackRead(memKey{name: "hidden-input"})
				ex.TrackWrite(memKey{name: "someone-elses-output"})
				kind.set("a", "x")
				return "x", nil
			},
		})
		c.AddAction(wantAction("a"))
	})
	require.NoError(t, err, "tracking calls are no-ops when lint is off")
}

func TestRun_LintWriteForeignTarget(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()
	var runs atomic.Int64

	err := runOnce(db, kind, true, func(c *Core) {
		c.AddRule("mem", storedRule(kind, &runs, "b", "v"))
		c.AddRule("mem", Rule{
			Label:    "clobber",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				// b is referenced elsewhere in this run
				ex.TrackWrite(memKey{name: "b"})
				kind.set("a", "x")
				return "x", nil
			},
		})
		c.AddAction(wantAction("a"))
		c.AddAction(wantAction("b"))
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Title, "written by a rule that does not produce it")
}

func TestRun_LintWriteOwnTargetOrUnreferenced(t *testing.T) {
	db := newTestDB(t)
	kind := newMemKind()

	err := runOnce(db, kind, true, func(c *Core) {
		c.AddRule("mem", Rule{
			Label:    "self",
			Priority: 1,
			Match:    func(k Key) bool { return k.ID() == "a" },
			Run: func(ex *Execution, k Key) (Value, error) {
				ex.TrackWrite(memKey{name: "a"})
				ex.TrackWrite(memKey{name: "scratch-nobody-uses"})
				kind.set("a", "x")
				return "x", nil
			},
		})
		c.AddAction(wantAction("a"))
	})
	require.NoError(t, err)
}

func TestBuildError_Format(t *testing.T) {
	err := &BuildError{
		Title: "no rule matches the target",
		Fields: []Field{
			{"Target", "out/main.o"},
			{"Wanted by", "link"},
		},
		Detail: "underlying detail",
	}
	msg := err.Error()
	assert.Contains(t, msg, "no rule matches the target")
	assert.Contains(t, msg, "Target:")
	assert.Contains(t, msg, "out/main.o")
	assert.Contains(t, msg, "Wanted by:")
	assert.Contains(t, msg, "underlying detail")
}
