// Package commands implements Discord slash command handlers for Cadenza.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-voice/cadenza/internal/discord"
)

// statusRefreshID is the custom_id of the status embed refresh button.
const statusRefreshID = "cadenza_status_refresh"

// SessionManager controls the voice session lifecycle. The app layer
// satisfies it.
type SessionManager interface {
	// Start joins the given voice channel and begins the pipeline.
	Start(ctx context.Context, channelID string) error
	// Stop tears the active session down.
	Stop(ctx context.Context) error
	// Status reports the current session state.
	Status() discord.StatusSnapshot
}

// CompanionCommands holds the dependencies for /companion slash commands.
type CompanionCommands struct {
	mgr              SessionManager
	perms            *discord.PermissionChecker
	guildID          string
	defaultChannelID string // fallback voice channel from config, may be empty
}

// NewCompanionCommands creates a CompanionCommands handler.
func NewCompanionCommands(mgr SessionManager, perms *discord.PermissionChecker, guildID, defaultChannelID string) *CompanionCommands {
	return &CompanionCommands{
		mgr:              mgr,
		perms:            perms,
		guildID:          guildID,
		defaultChannelID: defaultChannelID,
	}
}

// Register registers the /companion command group with the router.
func (cc *CompanionCommands) Register(router *discord.CommandRouter) {
	def := cc.Definition()
	router.RegisterCommand("companion", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/companion start`, `/companion stop`, or `/companion status`.")
	})
	router.RegisterHandler("companion/start", cc.handleStart)
	router.RegisterHandler("companion/stop", cc.handleStop)
	router.RegisterHandler("companion/status", cc.handleStatus)
	router.RegisterComponent(statusRefreshID, cc.handleStatusRefresh)
}

// Definition returns the ApplicationCommand definition for Discord.
func (cc *CompanionCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "companion",
		Description: "Control the voice companion",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start listening in a voice channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Voice channel to join (defaults to your current one)",
						ChannelTypes: []discordgo.ChannelType{
							discordgo.ChannelTypeGuildVoice,
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the active session",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the live session status",
			},
		},
	}
}

// handleStart handles /companion start.
func (cc *CompanionCommands) handleStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	cc.start(s, i, cc.resolveChannelID(s, i))
}

// start runs /companion start against the resolved channel. Split from
// handleStart so tests can drive it with a recording responder.
func (cc *CompanionCommands) start(r discord.Responder, i *discordgo.InteractionCreate, channelID string) {
	if !cc.perms.CanControl(i) {
		discord.RespondEphemeral(r, i, "You need the control role to start the companion.")
		return
	}

	if channelID == "" {
		discord.RespondEphemeral(r, i, "Join a voice channel first, or pass the `channel` option.")
		return
	}

	if snap := cc.mgr.Status(); snap.Active {
		discord.RespondEphemeral(r, i, fmt.Sprintf("Already listening (session `%s`).", snap.SessionID))
		return
	}

	// Defer reply since connecting may take a moment.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cc.mgr.Start(ctx, channelID); err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to start: %v", err))
		return
	}

	snap := cc.mgr.Status()
	discord.FollowUp(r, i, fmt.Sprintf(
		"Listening!\n**Session ID:** `%s`\n**Persona:** %s\n**Channel:** <#%s>",
		snap.SessionID,
		snap.PersonaName,
		channelID,
	))
}

// handleStop handles /companion stop.
func (cc *CompanionCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	cc.stop(s, i)
}

func (cc *CompanionCommands) stop(r discord.Responder, i *discordgo.InteractionCreate) {
	if !cc.perms.CanControl(i) {
		discord.RespondEphemeral(r, i, "You need the control role to stop the companion.")
		return
	}

	snap := cc.mgr.Status()
	if !snap.Active {
		discord.RespondEphemeral(r, i, "No active session to stop.")
		return
	}
	duration := time.Since(snap.StartedAt).Truncate(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cc.mgr.Stop(ctx); err != nil {
		discord.RespondError(r, i, fmt.Errorf("discord: stop session: %w", err))
		return
	}

	discord.RespondEphemeral(r, i, fmt.Sprintf(
		"Session `%s` stopped.\n**Duration:** %s\n**Turns:** %d",
		snap.SessionID,
		duration.String(),
		snap.Turns,
	))
}

// handleStatus handles /companion status. Anyone in the guild may view it.
func (cc *CompanionCommands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	cc.status(s, i)
}

func (cc *CompanionCommands) status(r discord.Responder, i *discordgo.InteractionCreate) {
	snap := cc.mgr.Status()
	if !snap.Active {
		discord.RespondEphemeral(r, i, "No active session. Use `/companion start` to begin.")
		return
	}

	discord.RespondEmbed(r, i, discord.BuildStatusEmbed(snap), statusRefreshRow())
}

// handleStatusRefresh rebuilds the status embed in place when the refresh
// button under a /companion status reply is pressed.
func (cc *CompanionCommands) handleStatusRefresh(s *discordgo.Session, i *discordgo.InteractionCreate) {
	cc.statusRefresh(s, i)
}

func (cc *CompanionCommands) statusRefresh(r discord.Responder, i *discordgo.InteractionCreate) {
	snap := cc.mgr.Status()
	if !snap.Active {
		discord.RespondUpdateEmbed(r, i, discord.BuildEndedEmbed(snap))
		return
	}
	discord.RespondUpdateEmbed(r, i, discord.BuildStatusEmbed(snap))
}

// resolveChannelID picks the voice channel for /companion start: the explicit
// channel option wins, then the caller's current voice channel, then the
// configured default.
func (cc *CompanionCommands) resolveChannelID(s *discordgo.Session, i *discordgo.InteractionCreate) string {
	if ch := channelOption(i); ch != "" {
		return ch
	}

	userID := interactionUserID(i)
	if userID != "" && s != nil && s.State != nil {
		vs, err := s.State.VoiceState(cc.guildID, userID)
		if err == nil && vs != nil && vs.ChannelID != "" {
			return vs.ChannelID
		}
	}

	return cc.defaultChannelID
}

// channelOption extracts the channel option from /companion start, or "".
func channelOption(i *discordgo.InteractionCreate) string {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return ""
	}
	for _, opt := range data.Options[0].Options {
		if opt.Name == "channel" && opt.Type == discordgo.ApplicationCommandOptionChannel {
			return opt.ChannelValue(nil).ID
		}
	}
	return ""
}

// statusRefreshRow builds the action row holding the refresh button.
func statusRefreshRow() discordgo.MessageComponent {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Refresh",
				Style:    discordgo.SecondaryButton,
				CustomID: statusRefreshID,
			},
		},
	}
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
