package auth

import "fmt"

// ErrorKind classifies authentication failures.
type ErrorKind int

// enum of authentication failure kinds
const (
	MissingCredentials ErrorKind = iota // nothing to authenticate with
	InvalidCredentials                  // service rejected the credential
	ExchangeFailed                      // login exchange failed for non-credential reason
)

func (k ErrorKind) String() string {
	switch k {
	case MissingCredentials:
		return "missing credentials"
	case InvalidCredentials:
		return "invalid credentials"
	case ExchangeFailed:
		return "login exchange failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is an authentication failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// sentinels usable with errors.Is
var (
	ErrMissingCredentials = &Error{Kind: MissingCredentials}
	ErrInvalidCredentials = &Error{Kind: InvalidCredentials}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return "auth: " + e.Kind.String()
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
