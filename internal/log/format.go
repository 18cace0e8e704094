package log

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// TimeFormat is the layout used when logging [time.Time] values. It keeps
// nanosecond precision so entries can be correlated with host-side logs.
const TimeFormat = time.RFC3339Nano

func FormatTime(t time.Time) string {
	return t.Format(TimeFormat)
}

// Format formats an object into a JSON string, without any indentation or
// HTML escapes. Context is used to output a log warning if the conversion
// fails.
//
// This is intended primarily for trace span attributes.
func Format(ctx context.Context, v interface{}) string {
	b, err := encode(v)
	if err != nil {
		G(ctx).WithError(err).Warning("could not format value")
		return ""
	}

	return string(b)
}

func encode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "")

	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "could not marshall and encode value")
	}

	// encoder.Encode appends a newline to the end
	return bytes.TrimSpace(buf.Bytes()), nil
}
