package media

// VideoComposition describes how source video tracks are rendered into
// output frames. It is built once per export and not modified afterwards.
type VideoComposition struct {
	FrameDuration Time
	RenderSize    Size
	Instructions  []CompositionInstruction
}

// CompositionInstruction applies its layers over TimeRange.
type CompositionInstruction struct {
	TimeRange TimeRange
	Layers    []LayerInstruction
}

// LayerInstruction sets the transform of one source track starting At.
type LayerInstruction struct {
	TrackID   int
	Transform Transform
	At        Time
}

// InstructionAt returns the instruction covering t, or nil.
func (c *VideoComposition) InstructionAt(t Time) *CompositionInstruction {
	if c == nil {
		return nil
	}
	for i := range c.Instructions {
		if c.Instructions[i].TimeRange.Contains(t) {
			return &c.Instructions[i]
		}
	}
	return nil
}

// AudioMix carries per-track mixing parameters. The orchestrator passes it
// through to the engine untouched.
type AudioMix struct {
	InputParameters []AudioMixInputParameters
}

// AudioMixInputParameters sets the volume of one audio track.
type AudioMixInputParameters struct {
	TrackID int
	Volume  float64
}
