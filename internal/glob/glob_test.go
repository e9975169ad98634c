package glob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.o", "main.o", true},
		{"*.o", "main.c", false},
		{"*.o", "obj/main.o", false}, // '*' stays within one component
		{"obj/*.o", "obj/main.o", true},
		{"obj/*.o", "obj/sub/main.o", false},
		{"**/*.o", "main.o", true}, // '**' may match zero components
		{"**/*.o", "obj/main.o", true},
		{"**/*.o", "obj/sub/main.o", true},
		{"out/**/lib.a", "out/lib.a", true},
		{"out/**/lib.a", "out/x/lib.a", true},
		{"out/**/lib.a", "out/x/y/lib.a", true},
		{"out/**", "out/x", true},
		{"out/**", "out/x/y", true},
		{"out/**", "out", false},
		{"file.?", "file.c", true},
		{"file.?", "file.cc", false},
		{"file.?", "file/c", false}, // '?' never matches a separator
		{"main.o", "main.o", true},
		{"main.o", "main_o", false}, // '.' is literal, not a metacharacter
		{"a*b*.c", "axbyz.c", true},
		{"a*b*.c", "ab.c", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.path), "Match(%q, %q)", c.pattern, c.path)
	}
}

func TestIsSimple(t *testing.T) {
	assert.True(t, IsSimple("main.o"))
	assert.True(t, IsSimple("obj/main.o"))
	assert.False(t, IsSimple("*.o"))
	assert.False(t, IsSimple("file.?"))
	assert.False(t, IsSimple("out/**/lib.a"))
}

func TestStem(t *testing.T) {
	stem, ok := Stem("*.o", "main.o")
	assert.True(t, ok)
	assert.Equal(t, "main", stem)

	stem, ok = Stem("obj/*.o", "obj/widget.o")
	assert.True(t, ok)
	assert.Equal(t, "widget", stem)

	stem, ok = Stem("**/*.o", "src/sub/main.o")
	assert.True(t, ok)
	assert.Equal(t, "src/sub", stem)

	// '**' matching zero components yields an empty stem
	stem, ok = Stem("**/*.o", "main.o")
	assert.True(t, ok)
	assert.Equal(t, "", stem)

	_, ok = Stem("*.o", "main.c")
	assert.False(t, ok)

	// no wildcard: match succeeds with empty stem
	stem, ok = Stem("main.o", "main.o")
	assert.True(t, ok)
	assert.Equal(t, "", stem)
}

func TestExpand(t *testing.T) {
	assert.Equal(t, "src/main.c", Expand("src/*.c", "main"))
	assert.Equal(t, "deep/a/b/x.h", Expand("deep/**/x.h", "a/b"))
	assert.Equal(t, "fixed.txt", Expand("fixed.txt", "anything"))
	// only the first wildcard is expanded
	assert.Equal(t, "a/stem/*.c", Expand("a/*/*.c", "stem"))
}

func TestCompileCache(t *testing.T) {
	// same pattern twice returns consistent results via the cache
	assert.True(t, Match("cache/*.x", "cache/a.x"))
	assert.True(t, Match("cache/*.x", "cache/b.x"))
	assert.False(t, Match("cache/*.x", "other/a.x"))
}
