package core

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrNotFound covers both a genuinely absent entity and an entity owned
	// by a different user. The two cases are deliberately indistinguishable
	// so that callers cannot probe for existence.
	ErrNotFound = goerr.New("not found")

	// ErrValidation rejects malformed input before any mutation happens.
	ErrValidation = goerr.New("validation failed")

	// ErrSchemaVersion reports a persisted document whose schema version
	// this build does not understand.
	ErrSchemaVersion = goerr.New("unsupported schema version")
)

func goerrValidation(msg string) error {
	return goerr.Wrap(ErrValidation, msg)
}
