package engine

import (
	"errors"
	"fmt"

	"agora/internal/repo"
)

// Error kinds. Clients distinguish "that does not exist", "you sent
// garbage", "not possible right now", "you may not" and "a collaborator
// broke".
const (
	KindNotFound     = "not_found"
	KindInvalidInput = "invalid_input"
	KindInvalidState = "invalid_state"
	KindUnauthorized = "unauthorized"
	KindDependency   = "dependency_failed"
)

type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func notFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func invalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func dependency(msg string, err error) *Error {
	return &Error{Kind: KindDependency, Message: msg, Err: err}
}

// KindOf classifies any error coming out of the engine.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	return ""
}

// wrapNotFound maps the repo sentinel onto the taxonomy, naming the entity.
func wrapNotFound(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(what)
	}
	return err
}
