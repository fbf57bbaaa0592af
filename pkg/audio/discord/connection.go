package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Device     = (*inputDevice)(nil)
)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Incoming Opus packets from every speaker are
// decoded to PCM and delivered on one input device; outgoing PCM frames are
// encoded to Opus for transmission.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	input  *inputDevice
	output chan audio.Frame

	presenceCb func(audio.Event)
	presenceMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC tears down the voice connection during Disconnect.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive and send loops.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		input:        &inputDevice{},
		output:       make(chan audio.Frame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)

	go c.recvLoop()
	go c.sendLoop()

	return c
}

// InputDevice returns the connection's single microphone-side device.
func (c *Connection) InputDevice() audio.Device {
	return c.input
}

// OutputStream returns the write-only channel for companion audio. Frames
// written here are encoded to Opus and sent to Discord.
func (c *Connection) OutputStream() chan<- audio.Frame {
	return c.output
}

// OnPresence registers cb for participant join/leave events. Only one
// callback may be registered; later calls replace it.
func (c *Connection) OnPresence(cb func(audio.Event)) {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	c.presenceCb = cb
}

// Disconnect tears down the voice connection and stops the background loops.
// Safe to call more than once; later calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		// Clean release: the input stream closes without an error.
		c.input.shutdown(nil)
	})
	return err
}

// recvLoop reads Opus packets from the voice connection, decodes them to PCM,
// and delivers frames to the input device. Every speaker feeds the same
// device; the turn-taking pipeline treats the channel as one voice.
func (c *Connection) recvLoop() {
	// One decoder per SSRC keeps codec state correct across packets.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				// Voice transport died underneath us.
				c.input.shutdown(errors.New("discord: voice receive stream closed"))
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			c.input.deliver(audio.Frame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			})
		}
	}
}

// sendLoop reads PCM frames from the output channel, converts them to
// Discord's 48 kHz stereo format, slices exact Opus frame-sized chunks, and
// transmits the encoded packets.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: create opus encoder", "error", err)
		return
	}

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}

	speakingSet := false

	// Exact PCM input size for one Opus frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample = 3840 bytes.
	const opusFrameBytes = opusFrameSize * opusChannels * 2

	var buf []byte

	for {
		select {
		case <-c.done:
			if speakingSet {
				c.setSpeaking(false)
			}
			return
		case frame, ok := <-c.output:
			if !ok {
				return
			}

			if !speakingSet {
				c.setSpeaking(true)
				speakingSet = true
			}

			frame = conv.Convert(frame)
			buf = append(buf, frame.Data...)

			for len(buf) >= opusFrameBytes {
				encoded, eErr := enc.encode(buf[:opusFrameBytes])
				if eErr != nil {
					slog.Warn("discord: opus encode error", "error", eErr)
					buf = buf[opusFrameBytes:]
					continue
				}
				buf = buf[opusFrameBytes:]

				select {
				case c.vc.OpusSend <- encoded:
				case <-c.done:
					return
				}
			}
		}
	}
}

// handleVoiceStateUpdate maps Discord VoiceStateUpdate events to presence
// events for the channel this connection is on.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	channelID := c.vc.ChannelID

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	// Left our channel.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID {
		c.emitPresence(audio.Event{
			Type:     audio.EventLeave,
			UserID:   vsu.UserID,
			Username: username,
		})
		return
	}

	// Joined our channel.
	if vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID) {
		c.emitPresence(audio.Event{
			Type:     audio.EventJoin,
			UserID:   vsu.UserID,
			Username: username,
		})
	}
}

// setSpeaking sends a speaking notification to Discord, logging failures.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// emitPresence invokes the registered presence callback, if any.
func (c *Connection) emitPresence(ev audio.Event) {
	c.presenceMu.Lock()
	cb := c.presenceCb
	c.presenceMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

// inputDevice adapts the connection's decoded receive stream to the
// [audio.Device] contract. One open stream at a time; once the underlying
// voice transport dies the device is dead and reopening fails — recovery
// happens at the connection level.
type inputDevice struct {
	mu     sync.Mutex
	open   bool
	dead   bool
	frames chan audio.Frame
	err    error
}

// Open acquires the device and returns the frame delivery channel.
func (d *inputDevice) Open(_ context.Context) (<-chan audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead {
		return nil, errors.New("discord: voice connection closed")
	}
	if d.open {
		return nil, errors.New("discord: input device already open")
	}
	d.frames = make(chan audio.Frame, inputChannelBuffer)
	d.err = nil
	d.open = true
	return d.frames, nil
}

// deliver hands a decoded frame to the open stream, dropping when the
// consumer is behind. No-op while the device is closed.
func (d *inputDevice) deliver(f audio.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return
	}
	select {
	case d.frames <- f:
	default:
		// Consumer behind; the capture stream applies its own bounding anyway.
	}
}

// shutdown terminates the stream. A nil err reads as a clean stop; non-nil
// marks the device dead so reopen attempts fail fast.
func (d *inputDevice) shutdown(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = true
	if !d.open {
		return
	}
	d.err = err
	d.open = false
	close(d.frames)
	d.frames = nil
}

// Err reports why the frame channel closed.
func (d *inputDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close releases the stream without marking the device dead; the connection
// can hand out a fresh stream afterwards. Idempotent.
func (d *inputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.err = nil
	d.open = false
	close(d.frames)
	d.frames = nil
	return nil
}
