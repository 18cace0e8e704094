package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type entryContextKeyType int

const _entryContextKey entryContextKeyType = iota

var (
	// L is the default, blank logging entry. [G] should be used instead of
	// directly accessing L when possible.
	L = logrus.NewEntry(logrus.StandardLogger())

	// G is an alias for GetEntry.
	G = GetEntry
)

// GetEntry returns a [logrus.Entry] stored in the context, if one exists.
// Otherwise, it returns a default entry that points to the current context.
func GetEntry(ctx context.Context) *logrus.Entry {
	entry := fromContext(ctx)

	if entry == nil {
		entry = L.WithContext(ctx)
	}

	return entry
}

// WithContext returns a context that contains the provided log entry.
// The entry can be extracted with [G] or [GetEntry].
func WithContext(ctx context.Context, entry *logrus.Entry) (context.Context, *logrus.Entry) {
	entry = entry.WithContext(ctx)
	ctx = context.WithValue(ctx, _entryContextKey, entry)

	return ctx, entry
}

func fromContext(ctx context.Context) *logrus.Entry {
	e, _ := ctx.Value(_entryContextKey).(*logrus.Entry)

	return e
}
