package broker

import (
	"errors"
	"fmt"

	"github.com/roach88/sheetsync/internal/depgraph"
	"github.com/roach88/sheetsync/internal/grid"
)

// ErrorCode categorizes request rejections. Codes are part of the wire
// protocol and must not change.
type ErrorCode string

const (
	// CodeAccessDenied: the actor lacks the role the request needs.
	CodeAccessDenied ErrorCode = "AccessDenied"

	// CodeCircularReference: the formula would make a cell depend on itself.
	CodeCircularReference ErrorCode = "CircularReference"

	// CodeDocumentNotFound: no document has the requested ID.
	CodeDocumentNotFound ErrorCode = "DocumentNotFound"

	// CodeInvalidCell: negative row or column.
	CodeInvalidCell ErrorCode = "InvalidCell"

	// CodeBadRequest: the request is malformed for the broker's state,
	// e.g. a cursor update from an actor that never joined.
	CodeBadRequest ErrorCode = "BadRequest"
)

// ErrStopped is returned for requests that reach a broker after it stopped.
var ErrStopped = errors.New("broker stopped")

// Error is a request rejected by the broker.
//
// A rejected request has no observable side effect and is reported only to
// the requesting actor.
type Error struct {
	Code    ErrorCode
	Message string

	DocumentID string
	ActorID    string

	// Cell is the target of a rejected mutation, if any.
	Cell *grid.Addr

	// Path is the reference loop for CircularReference, e.g. [A1 B1 A1].
	Path []grid.Addr
}

func (e *Error) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("%s: %s (document=%s)", e.Code, e.Message, e.DocumentID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Rejected reports that retrying the same request cannot succeed.
// Every broker Error is terminal; offline replay drops such entries.
func (e *Error) Rejected() bool {
	return true
}

// CodeOf returns the broker error code of err, or "" if err is not a
// broker Error. Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsAccessDenied returns true if err is an AccessDenied rejection.
func IsAccessDenied(err error) bool {
	return CodeOf(err) == CodeAccessDenied
}

// IsCircularReference returns true if err is a CircularReference rejection.
func IsCircularReference(err error) bool {
	return CodeOf(err) == CodeCircularReference
}

// IsDocumentNotFound returns true if err is a DocumentNotFound rejection.
func IsDocumentNotFound(err error) bool {
	return CodeOf(err) == CodeDocumentNotFound
}

// IsInvalidCell returns true if err is an InvalidCell rejection.
func IsInvalidCell(err error) bool {
	return CodeOf(err) == CodeInvalidCell
}

func accessDenied(docID, actorID, need string) *Error {
	return &Error{
		Code:       CodeAccessDenied,
		Message:    fmt.Sprintf("actor %q needs %s access", actorID, need),
		DocumentID: docID,
		ActorID:    actorID,
	}
}

func documentNotFound(docID string) *Error {
	return &Error{
		Code:       CodeDocumentNotFound,
		Message:    fmt.Sprintf("document %q not found", docID),
		DocumentID: docID,
	}
}

func invalidCell(docID, actorID string, row, col int) *Error {
	return &Error{
		Code:       CodeInvalidCell,
		Message:    fmt.Sprintf("invalid cell (row=%d, col=%d)", row, col),
		DocumentID: docID,
		ActorID:    actorID,
	}
}

func circularReference(docID, actorID string, cell grid.Addr, path []grid.Addr) *Error {
	return &Error{
		Code:       CodeCircularReference,
		Message:    "circular reference: " + depgraph.FormatPath(path),
		DocumentID: docID,
		ActorID:    actorID,
		Cell:       &cell,
		Path:       path,
	}
}

func badRequest(docID, actorID, msg string) *Error {
	return &Error{
		Code:       CodeBadRequest,
		Message:    msg,
		DocumentID: docID,
		ActorID:    actorID,
	}
}
