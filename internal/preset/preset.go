// Package preset maps quality tiers to video encoder settings.
package preset

import (
	"fmt"
	"strings"

	"github.com/jmylchreest/vcompress/internal/media"
)

// Preset is a video quality tier.
type Preset int

// Presets, from smallest to largest output.
const (
	Default Preset = iota
	VeryLow
	Low
	Medium
	High
	VeryHigh
)

var names = map[Preset]string{
	Default:  "default",
	VeryLow:  "very_low",
	Low:      "low",
	Medium:   "medium",
	High:     "high",
	VeryHigh: "very_high",
}

// All returns every preset in ascending quality.
func All() []Preset {
	return []Preset{Default, VeryLow, Low, Medium, High, VeryHigh}
}

func (p Preset) String() string {
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("preset(%d)", int(p))
}

// ParsePreset parses a preset name. Dashes, underscores and case are
// ignored, so "very-low", "very_low" and "VeryLow" are equivalent.
func ParsePreset(s string) (Preset, error) {
	key := normalize(s)
	for p, name := range names {
		if normalize(name) == key {
			return p, nil
		}
	}
	return Default, fmt.Errorf("unknown preset %q", s)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "_", "")
}

// VideoBitrateKbps returns the average video bitrate for p in kbit/s.
func VideoBitrateKbps(p Preset) int {
	switch p {
	case VeryLow:
		return 400
	case Low:
		return 700
	case Medium:
		return 1100
	case High:
		return 2500
	case VeryHigh:
		return 4000
	default:
		return 700
	}
}

// VideoSettings returns H.264 settings for p at the given output size.
func VideoSettings(p Preset, size media.Size) media.Settings {
	return media.Settings{
		media.KeyCodec: media.CodecH264,
		media.KeyCompressionProperties: media.Settings{
			media.KeyAverageBitRate: VideoBitrateKbps(p) * 1000,
		},
		media.KeyWidth:  size.Width,
		media.KeyHeight: size.Height,
	}
}
