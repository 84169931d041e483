package outbox

import "errors"

// ErrNotFound is returned when a client id has no outbox entry.
var ErrNotFound = errors.New("outbox entry not found")
