package sawmill

import (
	"github.com/jward/sawmill/internal/core"
	"github.com/jward/sawmill/internal/database"
)

// Public type aliases for internal types that surface through the API.
// These are Go type aliases (=), identical to the internal types at compile
// time. External consumers use these names; no conversion is needed.

type BuildError = core.BuildError
type Field = core.Field
type Target = database.Target
