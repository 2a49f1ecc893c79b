package voice

import (
	"context"

	"github.com/talkie-voice-lab/internal/module"
)

// Speech bundles the local speech capabilities. Any part may be nil; the
// matching operation is then left out of the handler table.
type Speech struct {
	STT    *Whisper
	TTS    *TTS
	Filter *SpeakerFilter
}

// Handlers returns the table for a local "speech" module endpoint or Server.
func (s *Speech) Handlers() module.Handlers {
	h := module.Handlers{
		module.OpHealth: module.Typed(s.health),
	}
	if s.STT != nil {
		h[module.OpTranscribe] = module.Typed(s.STT.Transcribe)
	}
	if s.TTS != nil {
		h[module.OpSpeak] = module.Typed(s.TTS.Speak)
		h[module.OpStop] = module.Typed(s.TTS.Stop)
	}
	h[module.OpAccept] = module.Typed(s.Filter.Accept)
	return h
}

func (s *Speech) health(context.Context, struct{}) (module.HealthResponse, error) {
	return module.HealthResponse{Status: "ok", Ready: s.STT != nil, Module: "speech"}, nil
}

// Close stops any playback in progress.
func (s *Speech) Close() error {
	if s.TTS != nil {
		return s.TTS.Close()
	}
	return nil
}
