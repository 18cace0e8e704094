package oc

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
)

var DefaultSampler = trace.AlwaysSample()

// SetSpanStatus sets `span.SetStatus` to the proper status depending on `err`. If
// `err` is `nil` assume `trace.StatusCodeOk`.
func SetSpanStatus(span *trace.Span, err error) {
	status := trace.Status{}
	if err != nil {
		status.Code = int32(toStatusCode(err))
		status.Message = err.Error()
	}
	span.SetStatus(status)
}

// StartSpan wraps [trace.StartSpan], but, if the span is sampled, adds a log entry
// to the context that points to the newly created span.
func StartSpan(ctx context.Context, name string, o ...trace.StartOption) (context.Context, *trace.Span) {
	ctx, s := trace.StartSpan(ctx, name, o...)
	return update(ctx, s)
}

// StartSpanWithRemoteParent wraps [trace.StartSpanWithRemoteParent].
//
// See [StartSpan] for more information.
func StartSpanWithRemoteParent(ctx context.Context, name string, parent trace.SpanContext, o ...trace.StartOption) (context.Context, *trace.Span) {
	ctx, s := trace.StartSpanWithRemoteParent(ctx, name, parent, o...)
	return update(ctx, s)
}

func update(ctx context.Context, s *trace.Span) (context.Context, *trace.Span) {
	if s.IsRecordingEvents() {
		sc := s.SpanContext()
		ctx, _ = log.WithContext(ctx, log.G(ctx).WithFields(logrus.Fields{
			logfields.TraceID: sc.TraceID.String(),
			logfields.SpanID:  sc.SpanID.String(),
		}))
	}

	return ctx, s
}

var WithServerSpanKind = trace.WithSpanKind(trace.SpanKindServer)
var WithClientSpanKind = trace.WithSpanKind(trace.SpanKindClient)
