package segcrypto

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/segment-crypto"

var (
	tracer trace.Tracer

	segmentsSealed   metric.Int64Counter
	segmentsOpened   metric.Int64Counter
	headersPacked    metric.Int64Counter
	headersOpened    metric.Int64Counter
	authFailures     metric.Int64Counter
	splicesCommitted metric.Int64Counter
)

func init() {
	tracer = otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	segmentsSealed, _ = meter.Int64Counter("segcrypto.segments.sealed",
		metric.WithDescription("Plaintext segments sealed."))
	segmentsOpened, _ = meter.Int64Counter("segcrypto.segments.opened",
		metric.WithDescription("Ciphertext segments opened and verified."))
	headersPacked, _ = meter.Int64Counter("segcrypto.headers.packed",
		metric.WithDescription("Headers serialized and sealed."))
	headersOpened, _ = meter.Int64Counter("segcrypto.headers.opened",
		metric.WithDescription("Headers opened and decoded."))
	authFailures, _ = meter.Int64Counter("segcrypto.auth.failures",
		metric.WithDescription("Tag verification failures."))
	splicesCommitted, _ = meter.Int64Counter("segcrypto.splices.committed",
		metric.WithDescription("Edit plans committed."))
}

// endSpan records err on the span, sets its status and ends it.
func endSpan(span trace.Span, err error) {
	recordSpanErr(span, err)
	span.End()
}

func recordSpanErr(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
