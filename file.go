package sawmill

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/jward/sawmill/internal/core"
	"github.com/jward/sawmill/internal/database"
)

// fileKey identifies one target by its normalized slash path. Phony
// targets share the namespace: the phony "clean" and a file named clean
// are the same key.
type fileKey struct {
	path string
}

func newFileKey(p string) fileKey {
	return fileKey{path: normalize(p)}
}

func (k fileKey) Kind() string { return "file" }
func (k fileKey) ID() string   { return k.path }

// normalize rewrites p to its in-engine spelling: forward slashes, no
// leading "./", redundant separators collapsed. The rewrite is purely
// textual. Symlinks and letter case are left alone, so "./a/b" and "a/b"
// name the same target while "A/B" does not.
func normalize(p string) string {
	if p == "" {
		return p
	}
	return path.Clean(filepath.ToSlash(p))
}

// fileKind adapts file targets to the rebuild core: stamps are probed
// from the filesystem and round-tripped through the build database as
// their nanosecond value.
type fileKind struct{}

func (fileKind) Kind() string { return "file" }

func (fileKind) Stored(k core.Key) (core.Value, bool, error) {
	st, ok, err := statFile(k.ID())
	if err != nil || !ok {
		return nil, false, err
	}
	return st, true, nil
}

func (fileKind) Equal(a, b core.Value) bool {
	at, aok := a.(ModTime)
	bt, bok := b.(ModTime)
	return aok && bok && at.Equal(bt)
}

func (fileKind) EncodeValue(v core.Value) ([]byte, error) {
	t, ok := v.(ModTime)
	if !ok {
		return nil, fmt.Errorf("encode stamp: unexpected value %T", v)
	}
	return database.Marshal(t.ns)
}

func (fileKind) DecodeValue(data []byte) (core.Value, error) {
	var ns int64
	if err := database.Unmarshal(data, &ns); err != nil {
		return nil, fmt.Errorf("decode stamp: %w", err)
	}
	return ModTime{ns: ns}, nil
}

func (fileKind) DecodeKey(id string) (core.Key, error) {
	return fileKey{path: id}, nil
}

// statFile probes the stamp of the file at the normalized path. Absence
// is an answer, not an error.
func statFile(name string) (ModTime, bool, error) {
	info, err := os.Stat(filepath.FromSlash(name))
	if errors.Is(err, fs.ErrNotExist) {
		return noTime, false, nil
	}
	if err != nil {
		return noTime, false, fmt.Errorf("stat %s: %w", name, err)
	}
	return modTimeOf(info), true, nil
}
