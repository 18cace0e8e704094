package log

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// This package scrubs objects of potentially sensitive information to pass to
// logging.

const _scrubbedReplacement = "<scrubbed>"

var _errUnknownType = errors.New("encoded object is of unknown type")

// ScrubProcessEnv scrubs the environment of a process payload (the `env`
// array of an embedded OCI process or an `Env` field at the top level)
// before the message is trace-logged.
func ScrubProcessEnv(b []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}

	scrubbed := false
	for _, k := range []string{"env", "Env"} {
		if _, ok := m[k]; !ok {
			continue
		}

		var env []string
		if err := json.Unmarshal(m[k], &env); err != nil {
			return nil, _errUnknownType
		}
		for i := range env {
			env[i] = _scrubbedReplacement
		}

		e, err := encode(env)
		if err != nil {
			return nil, err
		}
		m[k] = e
		scrubbed = true
	}

	if !scrubbed {
		return bytes.TrimSpace(b), nil
	}

	return encode(m)
}
