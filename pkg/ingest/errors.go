package ingest

import (
	"fmt"

	"github.com/ethpandaops/knoboor/pkg/catalog"
)

// MalformedUploadError is returned when a payload does not have the
// expected shape. Nothing is written when it is returned.
type MalformedUploadError struct {
	Payload string
	Reason  string
}

func (e *MalformedUploadError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.Payload, e.Reason)
}

func malformed(payload, format string, args ...any) error {
	return &MalformedUploadError{
		Payload: payload,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// DBMSMismatchError is returned when the uploaded DBMS differs from the
// one the application is configured for.
type DBMSMismatchError struct {
	Expected string
	Actual   catalog.DBMS
}

func (e *DBMSMismatchError) Error() string {
	return fmt.Sprintf(
		"the database you are uploading for (%s) does not match the application's database (%s)",
		e.Actual.ID(), e.Expected,
	)
}

// UnknownApplicationError is returned when an upload code matches no
// application.
type UnknownApplicationError struct {
	UploadCode string
}

func (e *UnknownApplicationError) Error() string {
	return "invalid upload code"
}
