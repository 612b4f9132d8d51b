package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorises a fatal tick failure.
type Kind string

const (
	KindConfig Kind = "config"
	KindRender Kind = "render"
	KindWrite  Kind = "write"
	KindReload Kind = "reload"
	KindPanic  Kind = "panic"
)

// Sentinels matched by errors.Is against a *TickError of the same kind.
var (
	ErrConfig = errors.New("domain configuration unavailable")
	ErrRender = errors.New("render failed")
	ErrWrite  = errors.New("config write failed")
	ErrReload = errors.New("proxy reload failed")
	ErrPanic  = errors.New("tick panicked")
)

var sentinels = map[Kind]error{
	KindConfig: ErrConfig,
	KindRender: ErrRender,
	KindWrite:  ErrWrite,
	KindReload: ErrReload,
	KindPanic:  ErrPanic,
}

// TickError is a failure that aborted a tick. Agent failures never produce
// one; they are recorded on the Report instead.
type TickError struct {
	Kind    Kind
	TickID  string
	Cause   error
	Context map[string]any
}

func newTickError(kind Kind, tickID string, cause error) *TickError {
	return &TickError{Kind: kind, TickID: tickID, Cause: cause}
}

// Error implements the error interface.
func (e *TickError) Error() string {
	parts := []string{fmt.Sprintf("[%s] tick %s", e.Kind, e.TickID)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, "context: "+strings.Join(pairs, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying cause.
func (e *TickError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel error for the error's kind.
func (e *TickError) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// WithContext adds a key/value pair reported with the error.
func (e *TickError) WithContext(key string, value any) *TickError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf returns the kind of a tick error, or "" if err is not one.
func KindOf(err error) Kind {
	var tickErr *TickError
	if errors.As(err, &tickErr) {
		return tickErr.Kind
	}
	return ""
}
