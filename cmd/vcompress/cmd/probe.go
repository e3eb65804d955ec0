package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vcompress/internal/engine"
	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/orientation"
)

var probeCmd = &cobra.Command{
	Use:   "probe <input>",
	Short: "Show the tracks and orientation of a video",
	Long: `Probe input with ffprobe and print its tracks, the orientation and
facing of the first video track, and the size an export keeps by default,
as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

// probeReport is the JSON printed by the probe command.
type probeReport struct {
	Input           string       `json:"input"`
	DurationSeconds float64      `json:"duration_seconds"`
	Orientation     string       `json:"orientation,omitempty"`
	Facing          string       `json:"facing,omitempty"`
	Portrait        bool         `json:"portrait"`
	OrientedWidth   float64      `json:"oriented_width,omitempty"`
	OrientedHeight  float64      `json:"oriented_height,omitempty"`
	FrameRate       float64      `json:"frame_rate,omitempty"`
	Tracks          []probeTrack `json:"tracks"`
}

type probeTrack struct {
	ID        int     `json:"id"`
	Kind      string  `json:"kind"`
	Codec     string  `json:"codec"`
	Width     float64 `json:"width,omitempty"`
	Height    float64 `json:"height,omitempty"`
	Transform string  `json:"transform,omitempty"`
}

// buildProbeReport describes asset. Track metadata is loaded as needed.
func buildProbeReport(ctx context.Context, input string, asset media.Asset) (*probeReport, error) {
	report := &probeReport{
		Input:           input,
		DurationSeconds: asset.Duration().Seconds(),
	}

	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		for _, track := range asset.Tracks(kind) {
			loaded, err := media.LoadedTrack(ctx, track)
			if err != nil {
				return nil, err
			}
			pt := probeTrack{ID: loaded.ID(), Kind: kind.String(), Codec: loaded.Codec()}
			if kind == media.KindVideo {
				size := loaded.NaturalSize()
				pt.Width, pt.Height = size.Width, size.Height
				pt.Transform = loaded.PreferredTransform().String()
			}
			report.Tracks = append(report.Tracks, pt)
		}
	}

	track := media.FirstTrack(asset, media.KindVideo)
	if track == nil {
		return report, nil
	}
	loaded, err := media.LoadedTrack(ctx, track)
	if err != nil {
		return nil, err
	}
	o, f := orientation.Resolve(loaded.PreferredTransform())
	size := orientation.TrackSize(loaded)
	report.Orientation = o.String()
	report.Facing = f.String()
	report.Portrait = o.IsPortrait()
	report.OrientedWidth, report.OrientedHeight = size.Width, size.Height
	report.FrameRate = loaded.NominalFrameRate()
	return report, nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	ctx := cmd.Context()

	tools, err := detectBinaries(ctx, logger)
	if err != nil {
		return err
	}
	asset, err := engine.Open(ctx, args[0], newProber(tools, logger))
	if err != nil {
		return err
	}

	report, err := buildProbeReport(ctx, args[0], asset)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling probe report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
