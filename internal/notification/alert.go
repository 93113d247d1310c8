package notification

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"opsdash/internal/domain"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"
)

// Prompter pushes a high-priority notification to where an operator will
// see it right away.
type Prompter interface {
	Prompt(ctx context.Context, n domain.Notification) error
}

// Player plays the audio cue for a notification type.
type Player interface {
	Play(ctx context.Context, sound string) error
}

func promptText(n domain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(n.Priority)), n.Title)
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(n.Message)
	}
	fmt.Fprintf(&b, "\n(%s)", n.Type)
	return b.String()
}

// MultiPrompter fans a prompt out to every prompter and joins their errors.
type MultiPrompter []Prompter

func (m MultiPrompter) Prompt(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, p := range m {
		if err := p.Prompt(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramPrompter sends prompts to one chat. The bot is created on first use.
type TelegramPrompter struct {
	Token    string
	ChatID   int64
	Endpoint string // default: tgbotapi.APIEndpoint

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func (t *TelegramPrompter) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func (t *TelegramPrompter) Prompt(ctx context.Context, n domain.Notification) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.ChatID, promptText(n))); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SlackPrompter posts prompts to a channel.
type SlackPrompter struct {
	client  *slack.Client
	channel string
}

// NewSlackPrompter builds a prompter; apiURL is only set in tests.
func NewSlackPrompter(token, channel, apiURL string) *SlackPrompter {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackPrompter{client: slack.New(token, opts...), channel: channel}
}

func (s *SlackPrompter) Prompt(ctx context.Context, n domain.Notification) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(promptText(n), false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// DiscordPrompter sends prompts to a channel over the REST API only; no
// gateway connection is opened.
type DiscordPrompter struct {
	session *discordgo.Session
	channel string
}

func NewDiscordPrompter(token, channel string) (*DiscordPrompter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordPrompter{session: session, channel: channel}, nil
}

func (d *DiscordPrompter) Prompt(ctx context.Context, n domain.Notification) error {
	if _, err := d.session.ChannelMessageSend(d.channel, promptText(n), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// CommandPlayer plays sounds by running an external command, e.g.
// "paplay" or "afplay", with the sound file as its last argument.
// Relative sound names resolve against Dir.
type CommandPlayer struct {
	Command string
	Args    []string
	Dir     string
}

func (p CommandPlayer) Play(ctx context.Context, sound string) error {
	if p.Command == "" {
		return errors.New("no audio command configured")
	}
	if !filepath.IsAbs(sound) && p.Dir != "" {
		sound = filepath.Join(p.Dir, sound)
	}
	args := append(append([]string(nil), p.Args...), sound)
	out, err := exec.CommandContext(ctx, p.Command, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", p.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}
