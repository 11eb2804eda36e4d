// Package protocol implements the wire format spoken between fileserver
// clients and the TCP server.
//
// Every connection starts with a single command byte. A download request
// follows with "filename=<name>|"; a statistics subscriber sends nothing else
// and receives StatsFrame values until it disconnects.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// Command identifies what a client wants from the server
type Command byte

const (
	CommandDownload   Command = 1
	CommandUpload     Command = 2
	CommandStatistics Command = 3
)

// MaxRequestSize bounds the download request header
const MaxRequestSize = 4096

// Delimiter terminates the download request header
const Delimiter = '|'

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrFilenameNotFound = errors.New("file name not found")
	ErrRequestTooLarge  = errors.New("request header too large")
)

// allowed filename: filename=a_file_name|
var filenamePattern = regexp.MustCompile(`filename=([^|]+)\|`)

func (c Command) String() string {
	switch c {
	case CommandDownload:
		return "download"
	case CommandUpload:
		return "upload"
	case CommandStatistics:
		return "statistics"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// Valid reports whether c is a command the protocol defines
func (c Command) Valid() bool {
	return c >= CommandDownload && c <= CommandStatistics
}

// ReadCommand reads the leading command byte of a connection
func ReadCommand(r io.Reader) (Command, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	cmd := Command(b[0])
	if !cmd.Valid() {
		return cmd, fmt.Errorf("%w: %d", ErrUnknownCommand, b[0])
	}
	return cmd, nil
}

// WriteCommand writes the leading command byte of a connection
func WriteCommand(w io.Writer, cmd Command) error {
	_, err := w.Write([]byte{byte(cmd)})
	return err
}

// ReadDownloadRequest reads the request header up to and including the
// first delimiter and returns the requested file name.
func ReadDownloadRequest(r *bufio.Reader) (string, error) {
	var header []byte
	for {
		chunk, err := r.ReadSlice(Delimiter)
		header = append(header, chunk...)
		if len(header) > MaxRequestSize {
			return "", ErrRequestTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			// Connection ended before the delimiter arrived
			return "", ErrFilenameNotFound
		}
		return "", err
	}

	return ParseDownloadRequest(header)
}

// ParseDownloadRequest extracts the file name from a raw request header
func ParseDownloadRequest(header []byte) (string, error) {
	m := filenamePattern.FindSubmatch(header)
	if m == nil || len(bytes.TrimSpace(m[1])) == 0 {
		return "", ErrFilenameNotFound
	}
	return string(m[1]), nil
}

// WriteDownloadRequest encodes a download request header for name
func WriteDownloadRequest(w io.Writer, name string) error {
	_, err := fmt.Fprintf(w, "filename=%s%c", name, Delimiter)
	return err
}
