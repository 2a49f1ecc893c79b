//go:build opus
// +build opus

package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/talkie-voice-lab/internal/logging"
)

const discordSampleRate = 48000

// DiscordConfig selects the voice channel to listen on.
type DiscordConfig struct {
	Token          string
	GuildID        string
	VoiceChannelID string
	// UserID limits capture to one speaker; empty accepts everyone.
	UserID        string
	ChunkDuration time.Duration
}

// DiscordSource joins a voice channel, decodes incoming Opus packets and
// emits fixed-duration 48kHz mono chunks.
type DiscordSource struct {
	*ChanSource

	cfg     DiscordConfig
	session *discordgo.Session
	vc      *discordgo.VoiceConnection
	dec     *opus.Decoder

	mu       sync.Mutex
	ssrcUser map[uint32]string
	accum    []int16
	started  time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDiscordSource opens a gateway session and joins the configured channel.
func NewDiscordSource(ctx context.Context, cfg DiscordConfig) (*DiscordSource, error) {
	if cfg.Token == "" || cfg.GuildID == "" || cfg.VoiceChannelID == "" {
		return nil, fmt.Errorf("discord capture: token, guild and voice channel are required")
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 5 * time.Second
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discordgo.New: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("discord session open: %w", err)
	}
	dec, err := opus.NewDecoder(discordSampleRate, 1)
	if err != nil {
		_ = dg.Close()
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	vc, err := dg.ChannelVoiceJoin(cfg.GuildID, cfg.VoiceChannelID, false, false)
	if err != nil {
		_ = dg.Close()
		return nil, fmt.Errorf("voice join: %w", err)
	}
	lctx, cancel := context.WithCancel(ctx)
	s := &DiscordSource{
		ChanSource: NewChanSource(4),
		cfg:        cfg,
		session:    dg,
		vc:         vc,
		dec:        dec,
		ssrcUser:   make(map[uint32]string),
		cancel:     cancel,
	}
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		s.mu.Lock()
		s.ssrcUser[uint32(su.SSRC)] = su.UserID
		s.mu.Unlock()
	})
	s.wg.Add(1)
	go s.receive(lctx)
	logging.Infow("discord capture joined voice channel", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID)
	return s, nil
}

func (s *DiscordSource) receive(ctx context.Context) {
	defer s.wg.Done()
	perChunk := int(int64(discordSampleRate) * int64(s.cfg.ChunkDuration) / int64(time.Second))
	pcm := make([]int16, discordSampleRate/50)
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-s.vc.OpusRecv:
			if !ok {
				_ = s.ChanSource.Close()
				return
			}
			if !s.wanted(pkt.SSRC) {
				continue
			}
			n, err := s.dec.Decode(pkt.Opus, pcm)
			if err != nil {
				logging.Debugw("opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			if len(s.accum) == 0 {
				s.started = time.Now()
			}
			s.accum = append(s.accum, pcm[:n]...)
			if len(s.accum) >= perChunk {
				samples := s.accum[:perChunk:perChunk]
				rest := append([]int16(nil), s.accum[perChunk:]...)
				s.accum = rest
				c := Chunk{Samples: samples, SampleRate: discordSampleRate, CapturedAt: s.started, RMS: RMS(samples)}
				if !s.Push(ctx, c) {
					return
				}
				s.started = time.Now()
			}
		}
	}
}

func (s *DiscordSource) wanted(ssrc uint32) bool {
	if s.cfg.UserID == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrcUser[ssrc] == s.cfg.UserID
}

// Close leaves the channel and closes the gateway session. The chunk
// channel closes first so a blocked Next returns immediately.
func (s *DiscordSource) Close() error {
	_ = s.ChanSource.Close()
	s.cancel()
	s.wg.Wait()
	var firstErr error
	if err := s.vc.Disconnect(); err != nil {
		firstErr = err
	}
	if err := s.session.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
