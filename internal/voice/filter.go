package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/talkie-voice-lab/internal/capture"
	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/module"
)

// MinVerifyDuration is the shortest audio the filter will judge; anything
// shorter is accepted to avoid false rejects.
const MinVerifyDuration = 500 * time.Millisecond

// VoiceProfile is the enrolled speaker's loudness signature.
type VoiceProfile struct {
	MeanRMS float64 `json:"mean_rms"`
	// Similarity is the minimum score in [0,1] to accept; 0 means 0.5.
	Similarity float64 `json:"similarity,omitempty"`
}

// LoadVoiceProfile reads a profile written by SaveVoiceProfile. A missing
// file is not an error; it returns nil.
func LoadVoiceProfile(path string) (*VoiceProfile, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p VoiceProfile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("voice profile %s: %w", path, err)
	}
	return &p, nil
}

func SaveVoiceProfile(path string, p VoiceProfile) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return SaveFileAtomic(path, b, 0o600)
}

// SpeakerFilter accepts audio that sounds like the enrolled speaker. With
// no profile everything is accepted.
type SpeakerFilter struct {
	Profile *VoiceProfile
}

func (f *SpeakerFilter) Accept(ctx context.Context, req module.AcceptRequest) (module.AcceptResponse, error) {
	if f == nil || f.Profile == nil || f.Profile.MeanRMS <= 0 || len(req.Audio) == 0 {
		return module.AcceptResponse{Accept: true}, nil
	}
	samples, rate, err := capture.DecodeWAV(req.Audio)
	if err != nil {
		return module.AcceptResponse{}, &module.Error{Kind: module.KindBadRequest, Message: "accept: audio is not wav", Err: err}
	}
	if rate <= 0 || time.Duration(len(samples))*time.Second/time.Duration(rate) < MinVerifyDuration {
		return module.AcceptResponse{Accept: true}, nil
	}
	threshold := f.Profile.Similarity
	if threshold <= 0 {
		threshold = 0.5
	}
	rms := capture.RMS(samples)
	sim := similarity(rms, f.Profile.MeanRMS)
	if sim >= threshold {
		return module.AcceptResponse{Accept: true}, nil
	}
	logging.DebugwCtx(ctx, "speaker filter: rejected", "similarity", sim, "threshold", threshold, "rms", rms)
	return module.AcceptResponse{Accept: false}, nil
}

// similarity compares loudness on a log scale: 1 at equal RMS, 0 at a
// factor of ten apart or more.
func similarity(rms, ref float64) float64 {
	if rms <= 0 {
		return 0
	}
	d := math.Abs(math.Log10(rms / ref))
	return math.Max(0, 1-d)
}
