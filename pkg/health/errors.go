package health

import "errors"

// ErrCheckFailed is a generic failure for user-supplied checks that have
// nothing more specific to report.
var ErrCheckFailed = errors.New("health: check failed")
