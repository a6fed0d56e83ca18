package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Int64Gauge reports the last recorded value.
type Int64Gauge struct {
	measure *stats.Int64Measure
	view    *view.View
}

func NewInt64Gauge(name, desc string) *Int64Gauge {
	measure := stats.Int64(name, desc, stats.UnitDimensionless)
	v := &view.View{
		Name:        name,
		Measure:     measure,
		Description: desc,
		Aggregation: view.LastValue(),
	}
	if err := view.Register(v); err != nil {
		panic(err)
	}
	return &Int64Gauge{measure: measure, view: v}
}

func (g *Int64Gauge) Set(ctx context.Context, v int64) {
	stats.Record(ctx, g.measure.M(v))
}
