package media

// Settings is an encoder settings map. Engines consume it opaquely; the
// builder and orchestrator only read the keys below.
type Settings map[string]any

// Well-known settings keys.
const (
	KeyCodec                   = "codec"
	KeyWidth                   = "width"
	KeyHeight                  = "height"
	KeyCompressionProperties   = "compression"
	KeyAverageBitRate          = "average_bit_rate"
	KeyAverageNonDroppableRate = "average_non_droppable_frame_rate"
	KeySampleRate              = "sample_rate"
	KeyChannels                = "channels"
)

// Well-known codec identifiers.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
)

// Number returns the numeric value stored under key. Integer and float
// values of any width are accepted.
func (s Settings) Number(key string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	return toFloat(s[key])
}

// String returns the string stored under key.
func (s Settings) String(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s[key].(string)
	return v, ok
}

// Sub returns the nested settings map stored under key. Both Settings and
// plain map[string]any values are accepted.
func (s Settings) Sub(key string) (Settings, bool) {
	if s == nil {
		return nil, false
	}
	switch v := s[key].(type) {
	case Settings:
		return v, true
	case map[string]any:
		return Settings(v), true
	default:
		return nil, false
	}
}

// Codec returns the codec identifier.
func (s Settings) Codec() string {
	v, _ := s.String(KeyCodec)
	return v
}

// TargetSize returns the target width and height. Missing values are zero.
func (s Settings) TargetSize() Size {
	w, _ := s.Number(KeyWidth)
	h, _ := s.Number(KeyHeight)
	return Size{Width: w, Height: h}
}

// FrameRate returns the frame-rate cap from the compression properties.
func (s Settings) FrameRate() (float64, bool) {
	props, ok := s.Sub(KeyCompressionProperties)
	if !ok {
		return 0, false
	}
	return props.Number(KeyAverageNonDroppableRate)
}

// BitRate returns the average bit rate from the compression properties.
func (s Settings) BitRate() (float64, bool) {
	props, ok := s.Sub(KeyCompressionProperties)
	if !ok {
		return 0, false
	}
	return props.Number(KeyAverageBitRate)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
