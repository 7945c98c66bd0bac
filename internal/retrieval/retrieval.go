// Package retrieval obtains the bytes of an intercepted export download
// without writing them to disk.
package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// ErrRetrieval matches every *Error via errors.Is.
var ErrRetrieval = errors.New("retrieval failed")

// Error describes a failed retrieval.
type Error struct {
	URL    string
	Reason string
	Status int   // HTTP status, when one was received
	Err    error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := "retrieval: " + e.Reason
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrRetrieval.
func (e *Error) Is(target error) bool { return target == ErrRetrieval }

// Request identifies the claimed download.
type Request struct {
	URL      string
	Filename string // suggested by the browser; may be empty
}

// Source is a handle the viewer can load the document from.
type Source struct {
	URL      string
	Filename string
	Size     int64 // zero when unknown
}

// Strategy turns a claimed download into a Source.
type Strategy interface {
	Retrieve(ctx context.Context, req Request) (Source, error)
}

// PassThrough hands the claimed URL to the viewer unchanged.
type PassThrough struct{}

// Retrieve returns req.URL as the source.
func (PassThrough) Retrieve(_ context.Context, req Request) (Source, error) {
	if req.URL == "" {
		return Source{}, &Error{Reason: "empty url"}
	}
	return Source{URL: req.URL, Filename: req.Filename}, nil
}
