// Package tracing wraps the OTel tracer used to annotate opendir/readdir
// operations: which replica served them, whether a divergence probe found
// a mismatch, how many times a handle failed over.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/clusterfs/rdread"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartOpendir starts a span for one opendir fan-out.
func StartOpendir(ctx context.Context, path string, replicaCount int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "rdread.Opendir",
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.Int("replica_count", replicaCount),
		))
}

// StartProbe starts a span for a first-open divergence probe.
func StartProbe(ctx context.Context, inode uint64) (context.Context, trace.Span) {
	return tracer().Start(ctx, "rdread.Probe",
		trace.WithAttributes(attribute.Int64("inode", int64(inode))))
}

// EndProbe records the probe's outcome and ends the span.
func EndProbe(span trace.Span, mismatched bool, err error) {
	span.SetAttributes(attribute.Bool("mismatched", mismatched))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartReaddir starts a span for one readdir/readdirp call.
func StartReaddir(ctx context.Context, handle uint64, replica int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "rdread.Readdir",
		trace.WithAttributes(
			attribute.Int64("handle", int64(handle)),
			attribute.Int("replica", replica),
		))
}

// RecordFailover annotates span with a failover event from one replica to
// another.
func RecordFailover(span trace.Span, from, to int) {
	span.AddEvent("failover", trace.WithAttributes(
		attribute.Int("from_replica", from),
		attribute.Int("to_replica", to),
	))
}

// End ends span, marking it an error if err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
