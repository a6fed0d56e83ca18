package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Float64Timer records durations in milliseconds into a distribution.
type Float64Timer struct {
	measureMs *stats.Float64Measure
	view      *view.View
}

func NewTimerMs(name, desc string) *Float64Timer {
	fMeasure := stats.Float64(name, desc, stats.UnitMilliseconds)
	fView := &view.View{
		Name:        name,
		Measure:     fMeasure,
		Description: desc,
		Aggregation: view.Distribution(1, 10, 50, 100, 500, 1000, 5000, 10000, 60000),
	}
	if err := view.Register(fView); err != nil {
		panic(err)
	}
	return &Float64Timer{measureMs: fMeasure, view: fView}
}

// Start returns a stopwatch that records into the timer when stopped.
func (t *Float64Timer) Start(ctx context.Context) *Stopwatch {
	return &Stopwatch{ctx: ctx, start: time.Now(), recorder: t.measureMs}
}

type Stopwatch struct {
	ctx      context.Context
	start    time.Time
	recorder *stats.Float64Measure
}

// Stop records the elapsed time and returns it.
func (sw *Stopwatch) Stop(ctx context.Context) time.Duration {
	elapsed := time.Since(sw.start)
	stats.Record(ctx, sw.recorder.M(float64(elapsed)/float64(time.Millisecond)))
	return elapsed
}
