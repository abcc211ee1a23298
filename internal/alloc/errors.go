package alloc

import "errors"

var (
	// ErrUnavailable marks a transient storage failure; callers may retry.
	ErrUnavailable = errors.New("allocator temporarily unavailable")

	// ErrDenied marks a rejected capability token.
	ErrDenied = errors.New("access denied")

	// ErrQuotaExceeded is returned by CreateJob when the principal cannot
	// hold any more boards.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// NotFoundError reports a missing job, machine or board. Its text is sent
// to the client verbatim.
type NotFoundError string

func (e NotFoundError) Error() string { return string(e) }

const (
	ErrNoSuchJob          = NotFoundError("no such job")
	ErrNoSuchMachine      = NotFoundError("no such machine")
	ErrNoSuchBoard        = NotFoundError("no such board")
	ErrBoardsNotAllocated = NotFoundError("boards not allocated")
)

// IsNotFound reports whether err is any not-found error.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
