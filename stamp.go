package sawmill

import (
	"io/fs"
	"math"
	"time"
)

// ModTime is the stored fingerprint of a target: the modification time of
// the file behind it, in nanoseconds since the Unix epoch, or the none
// stamp for targets with no file behind them.
type ModTime struct {
	ns int64
}

// noTime marks a target with nothing on disk: a missing file, or a phony
// target that never has one.
const noTimeNs = math.MinInt64

var noTime = ModTime{ns: noTimeNs}

func modTimeOf(info fs.FileInfo) ModTime {
	return ModTime{ns: info.ModTime().UnixNano()}
}

// IsNone reports whether the stamp records the absence of a file.
func (t ModTime) IsNone() bool {
	return t.ns == noTimeNs
}

// Equal reports whether two stamps are interchangeable for rebuild
// checking. Equality is intentionally not reflexive: the none stamp
// compares unequal to everything, itself included. That asymmetry is what
// makes phony targets rerun on every invocation, so this must never be
// replaced with ==.
func (t ModTime) Equal(o ModTime) bool {
	return t.ns != noTimeNs && t.ns == o.ns
}

func (t ModTime) String() string {
	if t.IsNone() {
		return "none"
	}
	return time.Unix(0, t.ns).UTC().Format(time.RFC3339Nano)
}
