package errs

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

type Kind uint8

const (
	KindOther        Kind = iota // Unclassified error
	KindIO                       // Flash/file persistence issues
	KindNetwork                  // Driver, link, socket issues
	KindInvalid                  // Validation errors (operator input, malformed packets)
	KindUnauthorized             // Auth missing/invalid
	KindNotFound                 // Key or route not found
	KindSystem                   // OS level failures (exec, privileges)
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNetwork:
		return "network"
	case KindInvalid:
		return "invalid"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindSystem:
		return "system"
	default:
		return "other"
	}
}

type Op string

type Error struct {
	Op      Op     // Where did it happen?
	Kind    Kind   // What category is it?
	Err     error  // The underlying error (the root cause)
	Message string // Human-readable message for the operator
}

// E builds an *Error from any mix of Op, Kind, error and string arguments.
// A nested *Error is copied so the caller's value is never mutated.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			e.Op = arg
		case Kind:
			e.Kind = arg
		case *Error:
			copy := *arg
			e.Err = &copy
			if e.Kind == KindOther {
				e.Kind = arg.Kind
			}
		case error:
			e.Err = arg
		case string:
			e.Message = arg
		}
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(string(e.Op))
	}

	if e.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}

	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the first non-zero Kind found along the wrap chain.
func KindOf(err error) Kind {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind != KindOther {
			return e.Kind
		}
		err = e.Err
	}
	return KindOther
}

// HTTPResponse logs err and writes it as a JSON error body with a status
// derived from its Kind.
func HTTPResponse(w http.ResponseWriter, err error) {
	log.Printf("[API ERROR] %v", err)

	code := http.StatusInternalServerError
	msg := "Internal Server Error"

	switch KindOf(err) {
	case KindInvalid:
		code = http.StatusBadRequest
	case KindUnauthorized:
		code = http.StatusUnauthorized
	case KindNotFound:
		code = http.StatusNotFound
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			msg = e.Message
		} else if code != http.StatusInternalServerError && e.Err != nil {
			msg = e.Err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
	})
}
