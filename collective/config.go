package collective

import "github.com/gomlx/exceptions"

// Config carries the executor and device-backend options.
type Config struct {
	// NumStreams is the number of communicator streams per device; groups
	// round-robin over them.
	NumStreams int

	// FusionThresholdMB caps the cumulative payload of a fused group, in
	// mebibytes.
	FusionThresholdMB int

	// EnableFusion toggles rough grouping; when false every request forms
	// its own group.
	EnableFusion bool

	// EnableDebugMode writes the group summary dump under DebugDumpDir.
	EnableDebugMode bool
	DebugDumpDir    string
}

// DefaultConfig returns the defaults: 4 streams, 64 MiB fusion threshold,
// fusion on, debug off.
func DefaultConfig() Config {
	return Config{
		NumStreams:        4,
		FusionThresholdMB: 64,
		EnableFusion:      true,
	}
}

func (c Config) validate() {
	if c.NumStreams <= 0 {
		exceptions.Panicf("collective: NumStreams must be positive, got %d", c.NumStreams)
	}
	if c.FusionThresholdMB < 0 {
		exceptions.Panicf("collective: FusionThresholdMB must be non-negative, got %d", c.FusionThresholdMB)
	}
	if c.EnableDebugMode && c.DebugDumpDir == "" {
		exceptions.Panicf("collective: debug mode needs DebugDumpDir")
	}
}
