package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-voice/cadenza/internal/discord"
	"github.com/cadenza-voice/cadenza/internal/turn/trainer"
)

// FeedbackSink accepts turn-taking feedback for the active session. The app
// layer satisfies it.
type FeedbackSink interface {
	SubmitFeedback(label, phrase string) error
}

// FeedbackCommands handles the /feedback slash command. Feedback labels the
// companion's most recent cutoff decision and nudges the turn-taking
// threshold, so any participant may submit it.
type FeedbackCommands struct {
	sink FeedbackSink
}

// NewFeedbackCommands creates a FeedbackCommands handler.
func NewFeedbackCommands(sink FeedbackSink) *FeedbackCommands {
	return &FeedbackCommands{sink: sink}
}

// Register registers the /feedback command with the router.
func (fc *FeedbackCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("feedback", fc.Definition(), fc.handleFeedback)
}

// Definition returns the /feedback ApplicationCommand for Discord registration.
func (fc *FeedbackCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "feedback",
		Description: "Rate the companion's last turn-taking decision",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "label",
				Description: "How was the timing?",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{
						Name:  "Too early (it cut in while I was talking)",
						Value: string(trainer.LabelTooEarly),
					},
					{
						Name:  "Too late (it left an awkward pause)",
						Value: string(trainer.LabelTooLate),
					},
					{
						Name:  "Good cutoff (timing was right)",
						Value: string(trainer.LabelGood),
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "phrase",
				Description: "What you were saying when it happened (optional)",
			},
		},
	}
}

// handleFeedback handles /feedback.
func (fc *FeedbackCommands) handleFeedback(s *discordgo.Session, i *discordgo.InteractionCreate) {
	fc.submit(s, i)
}

// submit records the feedback and replies. Split from handleFeedback so tests
// can drive it with a recording responder.
func (fc *FeedbackCommands) submit(r discord.Responder, i *discordgo.InteractionCreate) {
	label, phrase := feedbackOptions(i)
	if label == "" {
		discord.RespondEphemeral(r, i, "Pick a feedback label.")
		return
	}

	err := fc.sink.SubmitFeedback(label, phrase)
	switch {
	case errors.Is(err, trainer.ErrNoRecentCutoff):
		discord.RespondEphemeral(r, i, "No recent reply to rate. Feedback applies to the companion's last few turns.")
		return
	case err != nil:
		discord.RespondEphemeral(r, i, fmt.Sprintf("Failed to record feedback: %v", err))
		return
	}

	discord.RespondEphemeral(r, i, ackMessage(label))
}

// feedbackOptions extracts the label and phrase options from /feedback.
func feedbackOptions(i *discordgo.InteractionCreate) (label, phrase string) {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Type != discordgo.ApplicationCommandOptionString {
			continue
		}
		switch opt.Name {
		case "label":
			label = opt.StringValue()
		case "phrase":
			phrase = strings.TrimSpace(opt.StringValue())
		}
	}
	return label, phrase
}

// ackMessage tells the user how the feedback will change the timing.
func ackMessage(label string) string {
	switch trainer.Label(label) {
	case trainer.LabelTooEarly:
		return "Got it. I'll wait a little longer before jumping in."
	case trainer.LabelTooLate:
		return "Thanks. I'll come in a little quicker."
	case trainer.LabelGood:
		return "Noted. I'll keep this timing."
	default:
		return "Feedback recorded."
	}
}
