package tracing

import (
	"context"

	"go.opencensus.io/trace"
)

// AddErrorEndSpan ends span, marking it failed when *err is set.
func AddErrorEndSpan(ctx context.Context, span *trace.Span, err *error) {
	if *err != nil {
		span.AddAttributes(trace.StringAttribute("error", (*err).Error()))
		span.SetStatus(trace.Status{
			Code:    trace.StatusCodeUnknown,
			Message: (*err).Error(),
		})
	}
	span.End()
}
