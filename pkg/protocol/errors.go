package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Messages reported to clients before the server closes a connection
const (
	parseRequestPrefix = "Could not parse filename in request"
	parseCommandPrefix = "Could not parse command in request"
	initServerPrefix   = "Could not init file server"
	openFilePrefix     = "Could not open file"
)

// ParseRequestMessage is sent when a download header cannot be parsed
func ParseRequestMessage(err error) string {
	return fmt.Sprintf("%s: %v", parseRequestPrefix, err)
}

// ParseCommandMessage is sent when the command byte is not served
func ParseCommandMessage(reason string) string {
	return fmt.Sprintf("%s: %s", parseCommandPrefix, reason)
}

// OpenFileMessage is sent when the requested file cannot be served
func OpenFileMessage(name, reason string) string {
	return fmt.Sprintf("%s %s: %s", openFilePrefix, name, reason)
}

// InitServerMessage formats a startup failure
func InitServerMessage(err error) string {
	return fmt.Sprintf("%s: %v", initServerPrefix, err)
}

// ReportError writes msg to the client as plain text
func ReportError(w io.Writer, msg string) error {
	_, err := io.WriteString(w, msg)
	return err
}

// ErrorPrefix starts every message the server reports to a client
const ErrorPrefix = "Could not "

// IsErrorMessage reports whether b starts like a server error message.
// Downloads carry raw file bytes, so a file that itself starts with
// ErrorPrefix is indistinguishable from an error.
func IsErrorMessage(b []byte) bool {
	return bytes.HasPrefix(b, []byte(ErrorPrefix))
}
