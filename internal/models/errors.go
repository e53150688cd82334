package models

import "errors"

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrInvalidContent   = errors.New("invalid message content")
	ErrDuplicatePending = errors.New("a pending friend request already exists")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrRequestNotFound  = errors.New("friend request not found")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
)

// errorCodes maps each sentinel to the stable name clients match on.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnauthenticated, "Unauthenticated"},
	{ErrInvalidTarget, "InvalidTarget"},
	{ErrInvalidContent, "InvalidContent"},
	{ErrDuplicatePending, "DuplicatePending"},
	{ErrAlreadyFriends, "AlreadyFriends"},
	{ErrRequestNotFound, "RequestNotFound"},
	{ErrForbidden, "Forbidden"},
	{ErrNotFound, "NotFound"},
}

// ErrorCode returns the stable code for err, or "Internal" when err does not
// wrap one of the typed failures above.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
