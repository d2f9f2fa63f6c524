// Package failure classifies pipeline errors into the kinds surfaced to
// users and maps them to process exit codes.
package failure

import (
	"errors"
	"fmt"
)

// Kind distinguishes pipeline failures.
type Kind int

const (
	Unknown Kind = iota
	Dataset
	Preprocessing
	ModelLoad
	Inference
	Divergence
)

func (k Kind) String() string {
	switch k {
	case Dataset:
		return "dataset error"
	case Preprocessing:
		return "preprocessing error"
	case ModelLoad:
		return "model load error"
	case Inference:
		return "inference error"
	case Divergence:
		return "training divergence error"
	default:
		return "error"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same Kind anywhere
// in the chain.
var (
	ErrDataset       = &Error{Kind: Dataset}
	ErrPreprocessing = &Error{Kind: Preprocessing}
	ErrModelLoad     = &Error{Kind: ModelLoad}
	ErrInference     = &Error{Kind: Inference}
	ErrDivergence    = &Error{Kind: Divergence}
)

// New wraps err as a failure of the given kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the outermost failure kind in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// ExitCode maps err to a process exit status. nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Dataset:
		return 2
	case Preprocessing:
		return 3
	case ModelLoad:
		return 4
	case Inference:
		return 5
	case Divergence:
		return 6
	default:
		return 1
	}
}
