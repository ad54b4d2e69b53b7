package credential

import "errors"

var (
	ErrInvalidFormat    = errors.New("credential: invalid key format")
	ErrPasswordMismatch = errors.New("credential: password mismatch")
	ErrEmptyPassword    = errors.New("credential: password is empty")
)
