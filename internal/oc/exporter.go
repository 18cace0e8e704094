package oc

import (
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
)

var _ trace.Exporter = &LogrusExporter{}

// LogrusExporter is an OpenCensus trace Exporter that exports spans to a
// logrus logger.
type LogrusExporter struct{}

// ExportSpan exports `s` based on the the following rules:
//
// 1. All output will contain `s.Attributes`, `s.SpanKind`, `s.TraceID`,
// `s.SpanID`, and `s.ParentSpanID` for correlation
//
// 2. Any calls to .Annotate will not be supported.
//
// 3. The span itself will be written at [logrus.InfoLevel] unless
// `s.Status.Code != 0`, in which case it will be written at [logrus.ErrorLevel]
// providing `s.Status.Message` as the error value.
func (e *LogrusExporter) ExportSpan(s *trace.SpanData) {
	entry := log.L.Dup()
	// Combine all span annotations with span data (eg, trace ID, span ID,
	// parent span ID, error, ...)
	entry.Data = make(logrus.Fields, len(s.Attributes)+7)
	for k, v := range s.Attributes {
		entry.Data[k] = v
	}

	entry.Data[logfields.TraceID] = s.TraceID.String()
	entry.Data[logfields.SpanID] = s.SpanID.String()
	entry.Data["parentSpanID"] = s.ParentSpanID.String()
	entry.Data[logfields.StartTime] = s.StartTime
	entry.Data["endTime"] = s.EndTime
	entry.Data[logfields.Duration] = s.EndTime.Sub(s.StartTime).String()
	entry.Data[logfields.Name] = s.Name
	entry.Time = s.StartTime

	level := logrus.InfoLevel
	if s.Status.Code != 0 {
		level = logrus.ErrorLevel
		entry.Data[logrus.ErrorKey] = s.Status.Message
	}

	entry.Log(level, "Span")
}
