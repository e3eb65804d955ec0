// Package export drives a transcode from an asset reader to a file writer.
//
// An export copies every active track (video, plus audio when the asset
// has any) from its reader output to its writer input concurrently. Each
// copy loop is driven by the writer input's readiness callback, so a slow
// track never blocks the other and nothing is buffered beyond what the
// engine queues. When every loop has finished the export is finalized
// exactly once: the file is completed, or removed on failure and
// cancellation.
package export

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/vcompress/internal/composition"
	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/metrics"
	"github.com/jmylchreest/vcompress/internal/observability"
)

// Request describes one export.
type Request struct {
	Asset      media.Asset
	Container  media.ContainerType
	OutputPath string

	VideoSettings media.Settings
	// VideoComposition overrides the composition built from VideoSettings.
	VideoComposition *media.VideoComposition

	AudioSettings media.Settings
	AudioMix      *media.AudioMix
}

// Exporter runs exports against an engine. Completions of all exports
// started on one Exporter are delivered serially on a single callback
// goroutine.
type Exporter struct {
	engine    media.Engine
	builder   *composition.Builder
	logger    *slog.Logger
	callbacks dispatcher
	newID     func() string
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithBuilder sets the composition builder used when a request carries no
// composition.
func WithBuilder(b *composition.Builder) Option {
	return func(e *Exporter) {
		e.builder = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// New creates an Exporter.
func New(engine media.Engine, opts ...Option) *Exporter {
	e := &Exporter{
		engine: engine,
		logger: slog.Default(),
		newID: func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.builder == nil {
		e.builder = composition.NewBuilder(composition.DefaultOptions(), e.logger)
	}
	e.logger = observability.WithComponent(e.logger, "export")
	return e
}

// Export runs req and blocks until it completes. A nil error with ctx
// cancelled means the export was cancelled and no file was left behind.
//
// Export must not be called from an ExportAsync done callback: it waits for
// its own completion on the callback goroutine that is running that callback,
// and never returns.
func (e *Exporter) Export(ctx context.Context, req Request) (err error) {
	done := observability.TimedOperationWithError(ctx, e.logger, "export", &err)
	defer done()

	result := make(chan error, 1)
	e.ExportAsync(ctx, req, func(exportErr error) {
		result <- exportErr
	})
	return <-result
}

// ExportAsync starts req and returns once the copy loops are running or the
// request was rejected. done is called exactly once on the Exporter's
// callback goroutine. Cancelling ctx cancels the export; done then receives
// nil and the partial file is removed.
//
// Completions of every export of the Exporter run one at a time on that
// goroutine, so done must not block on another export of the same Exporter.
// Chaining with ExportAsync from done is fine.
func (e *Exporter) ExportAsync(ctx context.Context, req Request, done func(error)) {
	id := e.newID()
	logger := observability.WithExportID(e.logger, id)

	r, err := e.prepare(ctx, req, logger)
	if err != nil {
		logger.WarnContext(ctx, "export rejected",
			slog.String("output", req.OutputPath),
			slog.String("error", err.Error()),
		)
		metrics.ExportsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		e.callbacks.dispatch(func() { done(err) })
		return
	}

	r.done = done
	r.start(ctx)
}

// prepare checks preconditions and wires the reader and writer. Nothing is
// created when a precondition fails.
func (e *Exporter) prepare(ctx context.Context, req Request, logger *slog.Logger) (*run, error) {
	if _, err := os.Stat(req.OutputPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileAlreadyExists, req.OutputPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking output path: %w", err)
	}

	videoTracks := req.Asset.Tracks(media.KindVideo)
	if len(videoTracks) == 0 {
		return nil, ErrEmptyTracks
	}
	audioTracks := req.Asset.Tracks(media.KindAudio)

	comp := req.VideoComposition
	if comp == nil {
		built, err := e.builder.Build(ctx, req.Asset, req.VideoSettings)
		if err != nil {
			return nil, fmt.Errorf("building video composition: %w", err)
		}
		metrics.CompositionsBuiltTotal.Inc()
		comp = built
	}

	reader, err := e.engine.NewReader(req.Asset)
	if err != nil {
		return nil, err
	}
	writer, err := e.engine.NewWriter(req.OutputPath, req.Container)
	if err != nil {
		reader.CancelReading()
		return nil, err
	}

	reader.SetTimeRange(media.FullTimeline)
	writer.SetOptimizeForNetworkUse(true)

	r := &run{
		exporter: e,
		logger:   logger,
		path:     req.OutputPath,
		reader:   reader,
		writer:   writer,
	}

	video := r.pair(media.KindVideo,
		reader.NewVideoOutput(videoTracks, comp),
		writer.NewInput(media.KindVideo, req.VideoSettings))
	if video == nil {
		reader.CancelReading()
		writer.CancelWriting()
		return nil, &FailedError{Stage: "setup", Cause: errors.New("engine rejected the video track")}
	}

	if len(audioTracks) > 0 {
		audio := r.pair(media.KindAudio,
			reader.NewAudioOutput(audioTracks, req.AudioMix),
			writer.NewInput(media.KindAudio, req.AudioSettings))
		if audio == nil {
			logger.WarnContext(ctx, "engine rejected audio, exporting video only",
				slog.Int("audio_tracks", len(audioTracks)))
		}
	}

	logger.InfoContext(ctx, "export prepared",
		slog.String("output", req.OutputPath),
		slog.String("container", string(req.Container)),
		slog.Int("video_tracks", len(videoTracks)),
		slog.Int("audio_tracks", len(audioTracks)),
		slog.Int("pairs", len(r.pairs)),
		slog.String("render_size", comp.RenderSize.String()),
		slog.String("frame_duration", comp.FrameDuration.String()),
	)

	return r, nil
}
