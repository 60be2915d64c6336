package histmine

import (
	"errors"

	"github.com/hazyhaar/sillage/histmine/internal/source"
)

// ErrSourceUnavailable means the history file is missing or unreadable.
// The source is skipped for this run; the browser may simply not be
// installed.
var ErrSourceUnavailable = errors.New("histmine: history source unavailable")

// ErrSchemaMismatch means the history file opened but its tables do not
// match the expected browser schema, usually after a browser update.
var ErrSchemaMismatch = source.ErrSchemaMismatch
