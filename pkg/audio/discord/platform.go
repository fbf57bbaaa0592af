// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus voice transport with Cadenza's PCM [audio.Frame] pipeline.
//
// The companion treats the channel as a single conversation partner: all
// incoming participant audio is decoded onto one input [audio.Device] rather
// than demuxed per speaker (the turn-taking pipeline does no diarization).
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] over a discordgo voice connection.
// It requires an active *discordgo.Session owned by the bot layer.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID and returns an
// active [audio.Connection]. ctx governs the connection-setup phase only;
// the Connection lives until [audio.Connection.Disconnect].
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: connect cancelled: %w", err)
	}

	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn := newConnection(vc, p.session, p.guildID)
	return conn, nil
}
