package tree

import "errors"

// Sentinel error kinds, wrapped by *Error so callers can both errors.Is
// against the kind and read the offending path.
var (
	ErrNoPathFound  = errors.New("path not found")
	ErrNoPermission = errors.New("no permission")
	ErrOutOfBounds  = errors.New("value out of bounds")
	ErrTypeError    = errors.New("type error")
	ErrNotSet       = errors.New("attribute not set")
	ErrGeneric      = errors.New("generic error")
)

// Error wraps a sentinel kind with the path it occurred on.
type Error struct {
	Kind error
	Path string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Path
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// newErr builds an *Error for kind at path.
func newErr(kind error, path string) *Error {
	return &Error{Kind: kind, Path: path}
}
