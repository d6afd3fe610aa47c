package analytics

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorImproving = 0x00CC66
	colorSlipping  = 0xCC3333
	colorNeutral   = 0x3399FF

	// Trends smaller than this are noise and colored neutral.
	trendThreshold = 0.05

	maxEmbedSkills = 10
)

// Notifier receives finished session summaries for out-of-band
// delivery. Implementations must not block the aggregator for long.
type Notifier interface {
	NotifySessionSummary(summary SessionSummary) error
}

// DiscordSession abstracts the discordgo.Session methods used by
// DiscordNotifier, enabling mock-based testing without real Discord
// API calls.
type DiscordSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error  { return r.s.Open() }
func (r *realDiscordSession) Close() error { return r.s.Close() }

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// DiscordNotifier posts a coaching digest to a Discord channel after
// each session.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a notifier with a real discordgo session.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordNotifier{
		session:   &realDiscordSession{s: dg},
		channelID: channelID,
		logger:    logger,
	}, nil
}

// NewDiscordNotifierWithSession creates a notifier with an injected
// session (for testing).
func NewDiscordNotifierWithSession(session DiscordSession, channelID string, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}
}

// Start opens the Discord session.
func (n *DiscordNotifier) Start() error {
	if err := n.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Stop closes the Discord session.
func (n *DiscordNotifier) Stop() error {
	if err := n.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// NotifySessionSummary posts one embed per closed session.
func (n *DiscordNotifier) NotifySessionSummary(summary SessionSummary) error {
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, summaryEmbed(summary)); err != nil {
		return fmt.Errorf("send summary embed: %w", err)
	}
	return nil
}

func summaryEmbed(summary SessionSummary) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Answered", Value: fmt.Sprintf("%d", summary.TotalAnswered), Inline: true},
		{Name: "Correct", Value: fmt.Sprintf("%d", summary.TotalCorrect), Inline: true},
		{Name: "Duration", Value: (time.Duration(summary.DurationSeconds) * time.Second).String(), Inline: true},
	}

	overall := 0.0
	for i, skill := range summary.Skills {
		overall += skill.Trend
		if i >= maxEmbedSkills {
			continue
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: skill.SkillID,
			Value: fmt.Sprintf("mastery %.2f (%+.2f), confidence %.2f, %d/%d correct",
				skill.Mastery, skill.Trend, skill.Confidence, skill.Correct, skill.Answered),
		})
	}

	color := colorNeutral
	if overall > trendThreshold {
		color = colorImproving
	} else if overall < -trendThreshold {
		color = colorSlipping
	}

	return &discordgo.MessageEmbed{
		Title:       "Session Summary: " + summary.StudentID,
		Description: fmt.Sprintf("Session `%s` closed.", summary.SessionID),
		Color:       color,
		Fields:      fields,
		Timestamp:   summary.ClosedAt.UTC().Format(time.RFC3339),
	}
}
