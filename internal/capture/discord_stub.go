//go:build !opus
// +build !opus

package capture

import (
	"context"
	"errors"
	"time"
)

// DiscordConfig selects the voice channel to listen on.
type DiscordConfig struct {
	Token          string
	GuildID        string
	VoiceChannelID string
	UserID         string
	ChunkDuration  time.Duration
}

// DiscordSource is unavailable without libopus; build with -tags opus.
type DiscordSource struct{ *ChanSource }

func NewDiscordSource(context.Context, DiscordConfig) (*DiscordSource, error) {
	return nil, errors.New("discord capture requires a build with -tags opus")
}
