package action

import (
	"context"
	"fmt"

	"github.com/epicenterhq/epicenter/pkg/log"
	"github.com/epicenterhq/epicenter/pkg/schema"
)

// Kind distinguishes read-only queries from mutations
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// ErrorKind classifies action failures for boundary mapping (the HTTP
// boundary maps validation to 400, not-found to 404, everything else to
// 500).
type ErrorKind string

const (
	ErrInput     ErrorKind = "input_validation"
	ErrNotFound  ErrorKind = "not_found"
	ErrConflict  ErrorKind = "conflict"
	ErrOperation ErrorKind = "operation"
)

// Error is the structured failure carried in a Result envelope
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Issues  []schema.Issue `json:"issues,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// NotFound builds a not-found action error
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict action error
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// Result is the envelope every action invocation returns: Err is set on
// failure; otherwise Data carries the handler's value, which may be nil.
type Result struct {
	Data any    `json:"data,omitempty"`
	Err  *Error `json:"error,omitempty"`
}

// InputValidator checks an action's input object. *schema.Validator
// satisfies this, and so does any standard-schema-style adapter.
type InputValidator interface {
	Validate(input map[string]any) (map[string]any, *schema.ValidationError)
}

// Handler executes one action. Returning an *Error preserves its kind;
// any other error (or a panic) is adapted to an operation error at the
// boundary, so handlers never surface exceptions to callers.
type Handler func(ctx context.Context, input map[string]any) (any, error)

// Definition describes one action
type Definition struct {
	Name        string
	Description string
	Kind        Kind
	Input       InputValidator
	Handler     Handler
}

// Query declares a read-only action
func Query(name, description string, input InputValidator, handler Handler) Definition {
	return Definition{Name: name, Description: description, Kind: KindQuery, Input: input, Handler: handler}
}

// Mutation declares a writing action
func Mutation(name, description string, input InputValidator, handler Handler) Definition {
	return Definition{Name: name, Description: description, Kind: KindMutation, Input: input, Handler: handler}
}

// Invoke validates the input, runs the handler, and adapts every failure
// mode into the Result envelope. Invoke never panics.
func (d Definition) Invoke(ctx context.Context, input map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().
				Str("action", d.Name).
				Interface("panic", r).
				Msg("Action handler panicked")
			result = Result{Err: &Error{Kind: ErrOperation, Message: fmt.Sprintf("handler panicked: %v", r)}}
		}
	}()

	if d.Input != nil {
		validated, verr := d.Input.Validate(input)
		if verr != nil {
			return Result{Err: &Error{Kind: ErrInput, Message: verr.Error(), Issues: verr.Issues}}
		}
		input = validated
	}

	data, err := d.Handler(ctx, input)
	if err != nil {
		if actionErr, ok := err.(*Error); ok {
			return Result{Err: actionErr}
		}
		return Result{Err: &Error{Kind: ErrOperation, Message: err.Error()}}
	}
	return Result{Data: data}
}
