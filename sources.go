package sawmill

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/jward/sawmill/internal/glob"
)

// skipDirs are never descended into during source discovery.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// Sources walks root and returns the relative slash paths of every file
// matching any of the given glob patterns, honoring .gitignore and
// .sawmillignore at the root. No patterns means every file. The listing
// is sorted, so feeding it straight to Need gives a stable dependency
// order across runs.
func Sources(root string, patterns ...string) ([]string, error) {
	var ignores []*ignore.GitIgnore
	for _, name := range []string{".gitignore", ".sawmillignore"} {
		gi, err := ignore.CompileIgnoreFile(filepath.Join(root, name))
		if err == nil && gi != nil {
			ignores = append(ignores, gi)
		}
	}

	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			for _, gi := range ignores {
				if gi.MatchesPath(rel + "/") {
					return filepath.SkipDir
				}
			}
			return nil
		}
		for _, gi := range ignores {
			if gi.MatchesPath(rel) {
				return nil
			}
		}
		if len(patterns) > 0 {
			matched := false
			for _, pat := range patterns {
				if glob.Match(normalize(pat), rel) {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
