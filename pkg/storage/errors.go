package storage

import "fmt"

// MissingResourceError is returned when a stub index does not exist.
// This is the one error category callers are expected to branch on.
type MissingResourceError struct {
	Index int
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("no stub at index %d", e.Index)
}

// NoMetaError is returned by NextResponse when the stub's cursor
// record is missing. Absence there means the caller violated the
// "stub must be created before responses are requested" precondition,
// so unlike other read paths it is a hard failure, not a soft nil.
type NoMetaError struct {
	ImposterID string
	StubID     string
}

func (e *NoMetaError) Error() string {
	return fmt.Sprintf("no meta for stub %s on imposter %s", e.StubID, e.ImposterID)
}
