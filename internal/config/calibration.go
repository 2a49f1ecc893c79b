package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Calibration holds values tuned per user and microphone. Nil fields leave
// the base configuration alone.
type Calibration struct {
	MinTranscriptionLength *int     `yaml:"min_transcription_length"`
	ChunkDurationSec       *float64 `yaml:"chunk_duration_sec"`
}

// Limits applied to calibrated values.
const (
	MinChunkDurationSec = 4.0
	MaxChunkDurationSec = 15.0
)

// LoadCalibration reads path; a missing file returns nil, nil.
func LoadCalibration(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read calibration %s: %w", path, err)
	}
	var cal Calibration
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	return &cal, nil
}

// Apply overlays cal onto cfg with clamping.
func (cal *Calibration) Apply(cfg *Config) {
	if cal == nil {
		return
	}
	if cal.MinTranscriptionLength != nil {
		cfg.Pipeline.MinTranscriptionLength = max(0, *cal.MinTranscriptionLength)
	}
	if cal.ChunkDurationSec != nil {
		cfg.Capture.ChunkDurationSec = min(MaxChunkDurationSec, max(MinChunkDurationSec, *cal.ChunkDurationSec))
	}
}

// SaveCalibration writes cal to path.
func SaveCalibration(path string, cal Calibration) error {
	data, err := yaml.Marshal(cal)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
