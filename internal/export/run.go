package export

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/metrics"
)

// pair connects one reader output to one writer input.
type pair struct {
	kind   media.Kind
	output media.ReaderOutput
	input  media.WriterInput

	// done flips once, when the pair leaves the join.
	done     atomic.Bool
	appended int
}

// run is the mutable state of one export.
type run struct {
	exporter *Exporter
	logger   *slog.Logger
	path     string
	reader   media.Reader
	writer   media.Writer
	pairs    []*pair
	done     func(error)

	started   time.Time
	pending   atomic.Int32
	cancelled atomic.Bool
	stopWatch func() bool
}

// pair registers output and input with the engine. It returns nil when
// either side is refused.
func (r *run) pair(kind media.Kind, output media.ReaderOutput, input media.WriterInput) *pair {
	if !r.reader.CanAddOutput(output) || !r.writer.CanAddInput(input) {
		return nil
	}
	r.reader.AddOutput(output)
	r.writer.AddInput(input)

	p := &pair{kind: kind, output: output, input: input}
	r.pairs = append(r.pairs, p)
	return p
}

func (r *run) start(ctx context.Context) {
	r.started = time.Now()
	metrics.ExportsInFlight.Inc()

	if !r.writer.StartWriting() {
		r.logger.ErrorContext(ctx, "writer did not start", slog.Any("error", r.writer.Err()))
		r.finalize(ctx)
		return
	}
	if !r.reader.StartReading() {
		r.logger.ErrorContext(ctx, "reader did not start", slog.Any("error", r.reader.Err()))
		r.finalize(ctx)
		return
	}
	r.writer.StartSession(media.Zero)

	r.pending.Store(int32(len(r.pairs)))
	r.stopWatch = context.AfterFunc(ctx, func() {
		r.cancelled.Store(true)
		// Writer first, so copy loops see the cancellation before any
		// reader-side end of stream.
		r.writer.CancelWriting()
		r.reader.CancelReading()
	})

	for _, p := range r.pairs {
		p.input.RequestMediaDataWhenReady(func() {
			r.drain(ctx, p)
		})
	}
}

// drain moves samples from p's output to its input while the input is
// ready. It returns when the input stops being ready; the engine calls it
// again once it is. Exhaustion, an inactive reader or writer and a failed
// append all end the pair.
func (r *run) drain(ctx context.Context, p *pair) {
	if p.done.Load() {
		return
	}

	for p.input.ReadyForMoreMediaData() {
		sample := p.output.NextSample()
		if sample == nil {
			if r.writer.Status() != media.WriterWriting {
				r.leave(ctx, p, "aborted")
				return
			}
			p.input.MarkAsFinished()
			r.leave(ctx, p, "exhausted")
			return
		}

		if r.reader.Status() != media.ReaderReading || r.writer.Status() != media.WriterWriting {
			r.leave(ctx, p, "aborted")
			return
		}
		if !p.input.Append(sample) {
			r.leave(ctx, p, "append_failed")
			return
		}
		p.appended++
		metrics.SamplesAppendedTotal.WithLabelValues(p.kind.String()).Inc()
	}

	if r.writer.Status() != media.WriterWriting {
		r.leave(ctx, p, "aborted")
	}
}

// leave signals p's completion to the join. The caller that brings the
// pending count to zero finalizes the export.
func (r *run) leave(ctx context.Context, p *pair, reason string) {
	if !p.done.CompareAndSwap(false, true) {
		return
	}

	r.logger.DebugContext(ctx, "track copy finished",
		slog.String("kind", p.kind.String()),
		slog.String("reason", reason),
		slog.Int("samples", p.appended),
	)

	if r.pending.Add(-1) == 0 {
		r.finalize(ctx)
	}
}

func (r *run) finalize(ctx context.Context) {
	if r.stopWatch != nil {
		r.stopWatch()
	}

	switch {
	case r.cancelled.Load() || r.writer.Status() == media.WriterCancelled:
		r.writer.CancelWriting()
		r.reader.CancelReading()
		r.removeOutput(ctx)
		r.complete(ctx, metrics.OutcomeCancelled, nil)

	case r.writer.Status() == media.WriterFailed:
		r.writer.CancelWriting()
		r.reader.CancelReading()
		r.removeOutput(ctx)
		r.complete(ctx, metrics.OutcomeFailed, &FailedError{Stage: "writer", Cause: r.writer.Err()})

	case r.reader.Status() == media.ReaderFailed || r.reader.Status() == media.ReaderCancelled:
		r.writer.CancelWriting()
		r.removeOutput(ctx)
		r.complete(ctx, metrics.OutcomeFailed, &FailedError{Stage: "reader", Cause: r.reader.Err()})

	default:
		r.writer.FinishWriting(func() {
			switch r.writer.Status() {
			case media.WriterFailed:
				r.removeOutput(ctx)
				r.complete(ctx, metrics.OutcomeFailed, &FailedError{Stage: "writer", Cause: r.writer.Err()})
			case media.WriterCancelled:
				r.removeOutput(ctx)
				r.complete(ctx, metrics.OutcomeCancelled, nil)
			default:
				r.complete(ctx, metrics.OutcomeSuccess, nil)
			}
		})
	}
}

func (r *run) removeOutput(ctx context.Context) {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.WarnContext(ctx, "failed to remove partial output",
			slog.String("output", r.path),
			slog.String("error", err.Error()),
		)
	}
}

func (r *run) complete(ctx context.Context, outcome string, err error) {
	elapsed := time.Since(r.started)
	metrics.ExportsInFlight.Dec()
	metrics.ExportsTotal.WithLabelValues(outcome).Inc()
	metrics.ExportDuration.Observe(elapsed.Seconds())

	attrs := []any{
		slog.String("outcome", outcome),
		slog.String("output", r.path),
		slog.Duration("duration", elapsed),
	}
	for _, p := range r.pairs {
		attrs = append(attrs, slog.Int(p.kind.String()+"_samples", p.appended))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		r.logger.ErrorContext(ctx, "export finished", attrs...)
	} else {
		r.logger.InfoContext(ctx, "export finished", attrs...)
	}

	done := r.done
	r.exporter.callbacks.dispatch(func() { done(err) })
}
