package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmylchreest/vcompress/internal/media"
)

// Engine creates ffmpeg-backed readers and fragmented MP4 writers. Writers
// re-encode through ffmpeg when their input settings ask for it.
type Engine struct {
	ffmpegPath string
	logger     *slog.Logger
}

// New returns an engine that runs the ffmpeg binary at ffmpegPath.
func New(ffmpegPath string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ffmpegPath: ffmpegPath,
		logger:     logger.With(slog.String("component", "engine")),
	}
}

// NewReader implements media.Engine. Only assets opened by this package
// can be read.
func (e *Engine) NewReader(asset media.Asset) (media.Reader, error) {
	fa, ok := asset.(*FileAsset)
	if !ok {
		return nil, fmt.Errorf("unsupported asset type %T", asset)
	}
	return newReader(fa, e.ffmpegPath, e.logger), nil
}

// NewWriter implements media.Engine. The file itself is created when
// writing starts.
func (e *Engine) NewWriter(path string, container media.ContainerType) (media.Writer, error) {
	if !container.Valid() {
		return nil, fmt.Errorf("unsupported container %q", container)
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output directory %s is not a directory", dir)
	}
	return newWriter(path, container, e.ffmpegPath, e.logger), nil
}
