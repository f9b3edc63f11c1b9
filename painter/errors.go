package painter

import "github.com/NebulousLabs/errors"

// ErrDownloadFailed is returned when a run exhausts its retry budget.
var ErrDownloadFailed = errors.New("painter: download failed")

// ErrInvalidArg marks a programmer error, such as an out-of-bounds chunk
// range passed to PlanTransfers, or a transport that returns a short read.
var ErrInvalidArg = errors.New("painter: invalid argument")
