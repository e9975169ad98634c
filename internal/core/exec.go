package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dominikbraun/graph"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jward/sawmill/internal/database"
)

// runState is the state shared by everything in one run: the memo table
// of in-flight and finished keys, the job limiter, the waits-on graph for
// cycle detection, and the lint ledgers.
type runState struct {
	c   *Core
	ctx context.Context
	run int64

	limiter *semaphore.Weighted
	wg      sync.WaitGroup

	mu         sync.Mutex
	memo       map[Key]*entry
	waits      graph.Graph[string, string]
	writes     []write
	referenced map[Key]bool
}

// entry is the once-per-run resolution of a single key. done closes when
// the key has either a value or an error.
type entry struct {
	done    chan struct{}
	value   Value
	changed int64
	err     error
}

type write struct {
	key Key
	by  *Execution
}

// Run executes every registered action, building whatever they need, and
// waits for all in-flight work to settle before returning. A Core is
// configured once and Run once.
func (c *Core) Run(ctx context.Context) error {
	run, err := c.db.NextRun()
	if err != nil {
		return err
	}
	rs := &runState{
		c:          c,
		run:        run,
		limiter:    semaphore.NewWeighted(c.jobs),
		memo:       make(map[Key]*entry),
		waits:      graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles()),
		referenced: make(map[Key]bool),
	}
	c.log.Info().Int64("run", run).Int64("jobs", c.jobs).Bool("lint", c.lint).Msg("run started")

	g, gctx := errgroup.WithContext(ctx)
	rs.ctx = gctx
	for i, action := range c.actions {
		ex := &Execution{rs: rs, label: fmt.Sprintf("action#%d", i)}
		g.Go(func() error {
			if err := ex.acquire(); err != nil {
				return err
			}
			defer ex.releaseHeld()
			if err := action(ex); err != nil {
				return err
			}
			return ex.lintReads()
		})
	}
	err = g.Wait()

	// Let stragglers finish before the write check and before the caller
	// can close the database underneath them.
	rs.wg.Wait()
	if err != nil {
		return err
	}
	if c.lint {
		if err := rs.lintWrites(); err != nil {
			return err
		}
	}
	c.log.Info().Int64("run", run).Int("keys", len(rs.memo)).Msg("run finished")
	return nil
}

// resolve returns the entry for k, starting its resolution exactly once
// per run.
func (rs *runState) resolve(k Key) *entry {
	rs.mu.Lock()
	rs.referenced[k] = true
	if e, ok := rs.memo[k]; ok {
		rs.mu.Unlock()
		return e
	}
	e := &entry{done: make(chan struct{})}
	rs.memo[k] = e
	rs.wg.Add(1)
	rs.mu.Unlock()

	go func() {
		defer rs.wg.Done()
		defer close(e.done)
		v, changed, err := rs.compute(k)
		if err != nil {
			e.err = err
			return
		}
		e.value = v
		e.changed = changed
	}()
	return e
}

func (rs *runState) compute(k Key) (Value, int64, error) {
	kind, ok := rs.c.kinds[k.Kind()]
	if !ok {
		return nil, 0, fmt.Errorf("no kind registered for %q", k.Kind())
	}
	rec, ok, err := rs.c.db.Lookup(database.KeyID{Kind: k.Kind(), ID: k.ID()})
	if err != nil {
		return nil, 0, err
	}
	if ok {
		if v, changed, valid := rs.revalidate(k, kind, rec); valid {
			rs.c.log.Debug().Str("key", k.ID()).Msg("up to date")
			return v, changed, nil
		}
	}
	return rs.rebuild(k, kind, rec)
}

// revalidate decides whether the answer recorded for k can be reused this
// run. Every recorded dependency group is rechecked in recorded order and
// none may have changed after rec.Built, then the probed answer must still
// equal the recorded one. Any doubt, including a failing dependency or a
// wait that would close a cycle, falls back to a rebuild.
func (rs *runState) revalidate(k Key, kind RuleKind, rec *database.Record) (Value, int64, bool) {
	self := vertexOf(k)
	for _, group := range rec.Deps {
		entries := make([]*entry, 0, len(group))
		for _, id := range group {
			dep, err := rs.decodeKey(id)
			if err != nil {
				return nil, 0, false
			}
			if err := rs.addWait(self, vertexOf(dep)); err != nil {
				return nil, 0, false
			}
			entries = append(entries, rs.resolve(dep))
		}
		for _, de := range entries {
			select {
			case <-de.done:
			case <-rs.ctx.Done():
				return nil, 0, false
			}
			if de.err != nil || de.changed > rec.Built {
				return nil, 0, false
			}
		}
	}
	old, err := kind.DecodeValue(rec.Value)
	if err != nil {
		return nil, 0, false
	}
	cur, ok, err := kind.Stored(k)
	if err != nil || !ok {
		return nil, 0, false
	}
	if !kind.Equal(cur, old) {
		return nil, 0, false
	}
	return old, rec.Changed, true
}

// rebuild runs the selected rule for k and records the result. The
// changed counter only advances when the new answer differs from the
// recorded one, which is what stops rebuilds from cascading through
// consumers whose inputs came out identical.
func (rs *runState) rebuild(k Key, kind RuleKind, rec *database.Record) (Value, int64, error) {
	rule, err := rs.c.selectRule(k)
	if err != nil {
		return nil, 0, err
	}
	rs.c.log.Debug().Str("key", k.ID()).Str("rule", rule.Label).Msg("building")

	ex := &Execution{rs: rs, key: k, label: rule.Label}
	if err := ex.acquire(); err != nil {
		return nil, 0, err
	}
	v, err := rule.Run(ex, k)
	ex.releaseHeld()
	if err != nil {
		return nil, 0, ruleError(err, rule.Label, k)
	}
	if err := ex.lintReads(); err != nil {
		return nil, 0, err
	}

	changed := rs.run
	if rec != nil {
		if old, derr := kind.DecodeValue(rec.Value); derr == nil && kind.Equal(v, old) {
			changed = rec.Changed
		}
	}
	encoded, err := kind.EncodeValue(v)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s: %w", k.ID(), err)
	}
	err = rs.c.db.Store(&database.Record{
		Key:     database.KeyID{Kind: k.Kind(), ID: k.ID()},
		Value:   encoded,
		Built:   rs.run,
		Changed: changed,
		Deps:    ex.depGroups(),
	})
	if err != nil {
		return nil, 0, err
	}
	return v, changed, nil
}

func (rs *runState) decodeKey(id database.KeyID) (Key, error) {
	kind, ok := rs.c.kinds[id.Kind]
	if !ok {
		return nil, fmt.Errorf("no kind registered for %q", id.Kind)
	}
	return kind.DecodeKey(id.ID)
}

// addWait records that from is about to block on to. The graph refuses
// edges that would close a cycle, which is exactly a build that can never
// finish: every waiter in the loop is waiting on the next.
func (rs *runState) addWait(from, to string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_ = rs.waits.AddVertex(from)
	_ = rs.waits.AddVertex(to)
	err := rs.waits.AddEdge(from, to)
	if err == nil || errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return nil
	}
	if errors.Is(err, graph.ErrEdgeCreatesCycle) {
		detail := ""
		if path, perr := graph.ShortestPath(rs.waits, to, from); perr == nil {
			detail = strings.Join(append(path, to), " waits on ")
		}
		return &BuildError{
			Title:  "dependency cycle detected",
			Fields: []Field{{"Target", to}, {"Needed by", from}},
			Detail: detail,
		}
	}
	return fmt.Errorf("record wait %s on %s: %w", from, to, err)
}

func (rs *runState) addWrite(k Key, by *Execution) {
	rs.mu.Lock()
	rs.writes = append(rs.writes, write{key: k, by: by})
	rs.mu.Unlock()
}

// lintWrites runs after all actions settle: every tracked write must have
// hit the writing rule's own target, an explicitly allowed path, or a file
// nothing else in the run referenced.
func (rs *runState) lintWrites() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, w := range rs.writes {
		if w.by.key != nil && w.by.key == w.key {
			continue
		}
		if w.by.allowed(w.key) {
			continue
		}
		if !rs.referenced[w.key] {
			continue
		}
		return &BuildError{
			Title:  "lint: file written by a rule that does not produce it",
			Fields: []Field{{"Rule", w.by.label}, {"File", w.key.ID()}},
		}
	}
	return nil
}

func vertexOf(k Key) string {
	return k.Kind() + ":" + k.ID()
}

// ruleError wraps a plain handler error with the target and rule it came
// from. Structured errors pass through untouched so lint and cycle reports
// keep their shape.
func ruleError(err error, label string, k Key) error {
	var be *BuildError
	if errors.As(err, &be) {
		return err
	}
	return &BuildError{
		Title:  "rule failed",
		Fields: []Field{{"Target", k.ID()}, {"Rule", label}},
		Detail: err.Error(),
	}
}

// Execution is the context threaded through one rule or action while it
// runs. It accumulates the declared dependency groups and the lint
// tracking state. An Execution must not be shared between goroutines; run
// parallel work through a single need with many keys instead.
type Execution struct {
	rs    *runState
	key   Key // nil for top-level actions
	label string
	held  bool

	groups [][]Key
	depSet map[Key]bool
	reads  []Key
	allows []func(Key) bool
}

// Apply resolves keys in parallel and returns their answers in matching
// order. The caller is suspended while it waits: its job slot is released
// so nested needs can never starve the pool into deadlock.
func (ex *Execution) Apply(keys []Key) ([]Value, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	from := ex.vertex()
	entries := make([]*entry, len(keys))
	for i, k := range keys {
		if err := ex.rs.addWait(from, vertexOf(k)); err != nil {
			return nil, err
		}
		entries[i] = ex.rs.resolve(k)
	}

	if ex.depSet == nil {
		ex.depSet = make(map[Key]bool)
	}
	group := make([]Key, len(keys))
	copy(group, keys)
	ex.groups = append(ex.groups, group)
	for _, k := range keys {
		ex.depSet[k] = true
	}

	ex.suspend()
	defer ex.resume()

	values := make([]Value, len(keys))
	for i, e := range entries {
		select {
		case <-e.done:
		case <-ex.rs.ctx.Done():
			return nil, ex.rs.ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		values[i] = e.value
	}
	return values, nil
}

// Context returns the context of the enclosing run.
func (ex *Execution) Context() context.Context {
	return ex.rs.ctx
}

// Lint reports whether lint checking is enabled for this run.
func (ex *Execution) Lint() bool {
	return ex.rs.c.lint
}

// TrackRead records that the running rule read k. Checked against the
// declared dependencies when the rule finishes. No-op when lint is off.
func (ex *Execution) TrackRead(k Key) {
	if !ex.rs.c.lint {
		return
	}
	ex.reads = append(ex.reads, k)
}

// TrackWrite records that the running rule wrote k. Checked against the
// whole run's references after all actions settle. No-op when lint is off.
func (ex *Execution) TrackWrite(k Key) {
	if !ex.rs.c.lint {
		return
	}
	ex.rs.addWrite(k, ex)
}

// TrackAllow exempts keys matching pred from this execution's tracking
// checks. No-op when lint is off.
func (ex *Execution) TrackAllow(pred func(Key) bool) {
	if !ex.rs.c.lint {
		return
	}
	ex.allows = append(ex.allows, pred)
}

func (ex *Execution) allowed(k Key) bool {
	for _, pred := range ex.allows {
		if pred(k) {
			return true
		}
	}
	return false
}

// lintReads verifies every tracked read was declared as a dependency or
// explicitly allowed by the time the rule finished.
func (ex *Execution) lintReads() error {
	if !ex.rs.c.lint {
		return nil
	}
	for _, k := range ex.reads {
		if ex.depSet[k] || ex.allowed(k) {
			continue
		}
		return &BuildError{
			Title:  "lint: file used but never declared as a dependency",
			Fields: []Field{{"Rule", ex.label}, {"File", k.ID()}},
		}
	}
	return nil
}

func (ex *Execution) acquire() error {
	if err := ex.rs.limiter.Acquire(ex.rs.ctx, 1); err != nil {
		return err
	}
	ex.held = true
	return nil
}

func (ex *Execution) releaseHeld() {
	if ex.held {
		ex.rs.limiter.Release(1)
		ex.held = false
	}
}

func (ex *Execution) suspend() {
	ex.releaseHeld()
}

// resume reacquires the job slot after a suspension. Failure means the
// run is being cancelled; the caller is left slotless and everything it
// attempts next will see the dead context.
func (ex *Execution) resume() {
	if ex.held {
		return
	}
	if err := ex.rs.limiter.Acquire(ex.rs.ctx, 1); err != nil {
		return
	}
	ex.held = true
}

func (ex *Execution) vertex() string {
	if ex.key != nil {
		return vertexOf(ex.key)
	}
	return ex.label
}

func (ex *Execution) depGroups() [][]database.KeyID {
	groups := make([][]database.KeyID, 0, len(ex.groups))
	for _, g := range ex.groups {
		ids := make([]database.KeyID, 0, len(g))
		for _, k := range g {
			ids = append(ids, database.KeyID{Kind: k.Kind(), ID: k.ID()})
		}
		groups = append(groups, ids)
	}
	return groups
}
