package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// StatusSnapshot carries the numbers the status embed renders. It mirrors
// the /statusz JSON document; the app layer converts the session's status
// into this shape so the embed and the HTTP surface always agree.
type StatusSnapshot struct {
	Active          bool
	SessionID       string
	PersonaName     string
	StartedAt       time.Time
	Threshold       float64
	FeedbackSamples int
	Turns           int
	AvgActual       time.Duration
	AvgPerceived    time.Duration
	FillerRate      float64
}

// EmbedSender is the slice of the discordgo session API the status publisher
// needs. *discordgo.Session satisfies it; tests substitute a recorder.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// embedColorGreen is the embed sidebar color while the companion listens.
const embedColorGreen = 0x2ECC71

// embedColorRed is the embed sidebar color after the session ends.
const embedColorRed = 0xE74C3C

// defaultInterval is the default status embed update interval.
const defaultInterval = 10 * time.Second

// StatusPublisher renders and periodically updates a Discord embed showing
// the live session status. The embed is created on Start and edited in place
// every update interval; Stop posts a final "session ended" version.
//
// Thread-safe for concurrent use.
type StatusPublisher struct {
	mu        sync.Mutex
	sender    EmbedSender
	channelID string
	messageID string // embed message; created on first update
	interval  time.Duration
	getStatus func() StatusSnapshot
	done      chan struct{}
	stopOnce  sync.Once
}

// StatusPublisherConfig holds dependencies for creating a StatusPublisher.
type StatusPublisherConfig struct {
	Sender    EmbedSender
	ChannelID string
	Interval  time.Duration // Default: 10 seconds
	GetStatus func() StatusSnapshot
}

// NewStatusPublisher creates a StatusPublisher.
func NewStatusPublisher(cfg StatusPublisherConfig) *StatusPublisher {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return &StatusPublisher{
		sender:    cfg.Sender,
		channelID: cfg.ChannelID,
		interval:  interval,
		getStatus: cfg.GetStatus,
		done:      make(chan struct{}),
	}
}

// Start begins the periodic update loop in a background goroutine.
func (p *StatusPublisher) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop halts the update loop and replaces the embed with its ended version.
func (p *StatusPublisher) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.done)
		p.postFinalEmbed(ctx)
	})
}

// loop runs the periodic embed update until Stop is called or ctx is
// cancelled.
func (p *StatusPublisher) loop(ctx context.Context) {
	// Post immediately on start.
	p.update()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.update()
		}
	}
}

// update builds the embed from the current status and creates or edits the
// message.
func (p *StatusPublisher) update() {
	embed := BuildStatusEmbed(p.getStatus())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.messageID == "" {
		msg, err := p.sender.ChannelMessageSendEmbed(p.channelID, embed)
		if err != nil {
			slog.Warn("status embed: failed to create message", "channel", p.channelID, "err", err)
			return
		}
		p.messageID = msg.ID
		slog.Debug("status embed: created message", "message_id", msg.ID, "channel", p.channelID)
	} else {
		_, err := p.sender.ChannelMessageEditEmbed(p.channelID, p.messageID, embed)
		if err != nil {
			slog.Warn("status embed: failed to edit message", "message_id", p.messageID, "err", err)
		}
	}
}

// postFinalEmbed replaces the embed with the "session ended" version.
func (p *StatusPublisher) postFinalEmbed(_ context.Context) {
	embed := BuildEndedEmbed(p.getStatus())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.messageID == "" {
		return
	}
	_, err := p.sender.ChannelMessageEditEmbed(p.channelID, p.messageID, embed)
	if err != nil {
		slog.Warn("status embed: failed to post final embed", "message_id", p.messageID, "err", err)
	}
}

// BuildStatusEmbed creates the live status embed. Shared by the periodic
// publisher and the /companion status reply.
func BuildStatusEmbed(snap StatusSnapshot) *discordgo.MessageEmbed {
	uptime := time.Since(snap.StartedAt).Truncate(time.Second)

	fields := []*discordgo.MessageEmbedField{
		{Name: "Session ID", Value: fmt.Sprintf("`%s`", snap.SessionID), Inline: true},
		{Name: "Persona", Value: snap.PersonaName, Inline: true},
		{Name: "Uptime", Value: formatDuration(uptime), Inline: true},
		{Name: "Cutoff Threshold", Value: fmt.Sprintf("%.2f", snap.Threshold), Inline: true},
		{Name: "Feedback Samples", Value: fmt.Sprintf("%d", snap.FeedbackSamples), Inline: true},
		{Name: "Turns", Value: fmt.Sprintf("%d", snap.Turns), Inline: true},
	}

	if latency := formatLatencyField(snap); latency != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Latency",
			Value:  latency,
			Inline: false,
		})
	}

	return &discordgo.MessageEmbed{
		Title:  "Cadenza Status",
		Color:  embedColorGreen,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Listening",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// BuildEndedEmbed creates the final "session ended" embed.
func BuildEndedEmbed(snap StatusSnapshot) *discordgo.MessageEmbed {
	uptime := time.Since(snap.StartedAt).Truncate(time.Second)

	fields := []*discordgo.MessageEmbedField{
		{Name: "Session ID", Value: fmt.Sprintf("`%s`", snap.SessionID), Inline: true},
		{Name: "Duration", Value: formatDuration(uptime), Inline: true},
		{Name: "Turns", Value: fmt.Sprintf("%d", snap.Turns), Inline: true},
		{Name: "Feedback Samples", Value: fmt.Sprintf("%d", snap.FeedbackSamples), Inline: true},
	}

	if latency := formatLatencyField(snap); latency != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Latency",
			Value:  latency,
			Inline: false,
		})
	}

	return &discordgo.MessageEmbed{
		Title:       "Cadenza Status",
		Description: "Session has ended.",
		Color:       embedColorRed,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Session ended",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// formatLatencyField builds a compact block showing the latency averages.
// Returns empty string when no turns have completed yet.
func formatLatencyField(snap StatusSnapshot) string {
	if snap.Turns == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	fmt.Fprintf(&b, "actual    %s\n", formatMs(snap.AvgActual))
	fmt.Fprintf(&b, "perceived %s\n", formatMs(snap.AvgPerceived))
	fmt.Fprintf(&b, "fillers   %.0f%%\n", snap.FillerRate*100)
	b.WriteString("```")
	return b.String()
}

// formatMs formats a duration as milliseconds with one decimal place.
func formatMs(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	return fmt.Sprintf("%.1fms", ms)
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
