package models

import "errors"

// Error taxonomy shared by the analysis engine. Configuration errors are
// raised before any worker starts; resource errors cover scratch or output
// locations that cannot be used and budgets that cannot be met. Numeric
// degenerate cases (zero denominators) are defined to resolve to zero and
// are never surfaced as errors.
var (
	// ErrConfig marks invalid geometry, unsupported expansion degrees,
	// unrecognized threshold methods and similar caller mistakes.
	ErrConfig = errors.New("invalid configuration")

	// ErrResource marks unwritable scratch/output locations and RAM budgets
	// too small for even a degraded working set.
	ErrResource = errors.New("resource unavailable")
)
