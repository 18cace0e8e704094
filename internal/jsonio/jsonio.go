// Package jsonio holds the generic JSON serialization helpers shared by the
// policy and storage subsystems: whole-document file exchange for policy
// persistence and canonical in-memory encoding for request gating.
package jsonio

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	pkgerrors "github.com/pkg/errors"
)

// Kind discriminates where a serialization failure originated.
type Kind int

const (
	// KindIO marks failures reading or writing the backing file.
	KindIO Kind = iota
	// KindCodec marks failures encoding or decoding JSON.
	KindCodec
)

// Error is a serialization failure tagged with its origin. The underlying
// error text is preserved for diagnostics.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.Kind == KindIO {
		return "serialization I/O error: " + e.cause.Error()
	}
	return "serialization codec error: " + e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func ioError(err error) error {
	return &Error{Kind: KindIO, cause: err}
}

func codecError(err error) error {
	return &Error{Kind: KindCodec, cause: err}
}

// GetKind returns the kind of a serialization error, if `err` carries one.
func GetKind(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// Write serializes `v` as JSON to a new file at `path`, truncating any
// previous content.
func Write(path string, v interface{}) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return ioError(pkgerrors.Wrapf(err, "failed to create %s", path))
	}
	defer f.Close()

	if err := Encode(f, v); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return ioError(pkgerrors.Wrapf(err, "failed to sync %s", path))
	}
	return nil
}

// Read deserializes the JSON document at `path` into `v`.
func Read(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return ioError(pkgerrors.Wrapf(err, "failed to open %s", path))
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return codecError(pkgerrors.Wrapf(err, "failed to decode %s", path))
	}
	return nil
}

// Marshal encodes `v` to its canonical string form, the shape handed to the
// policy evaluator as request input.
func Marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", codecError(err)
	}
	return string(b), nil
}

// Encode streams `v` as JSON onto `w`.
func Encode(w io.Writer, v interface{}) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The encoder does not distinguish write failures from marshal
		// failures; report the write error when the sink is known bad.
		var se *json.UnsupportedTypeError
		var sv *json.UnsupportedValueError
		if errors.As(err, &se) || errors.As(err, &sv) {
			return codecError(err)
		}
		return ioError(err)
	}
	return nil
}
