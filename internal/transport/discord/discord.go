// Package discord implements the relay chat adapter on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	kit "pagerelay/internal/transport"
	logx "pagerelay/pkg/logx"
)

// MessageLimit is Discord's per-message content limit in characters.
const MessageLimit = 2000

type Config struct {
	Token        string
	MessageLimit int
}

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	Open() error
	Close() error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	s    session
	open bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	// Sending into a known channel needs no privileged intents.
	s.Identify.Intents = discordgo.IntentsGuilds
	if log.IsZero() {
		log = logx.Nop()
	}
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			log.Info("logged in", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		}
	})
	return newWithSession(cfg, s, log), nil
}

func newWithSession(cfg Config, s session, log logx.Logger) *Adapter {
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = MessageLimit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, s: s}
}

func (a *Adapter) Name() string      { return "discord" }
func (a *Adapter) MessageLimit() int { return a.cfg.MessageLimit }

// Open connects the gateway session. An invalid token fails here.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.s.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	a.open = true
	return nil
}

func (a *Adapter) Close(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil
	}
	a.open = false
	return a.s.Close()
}

func (a *Adapter) Resolve(ctx context.Context, channelID int64) (kit.Channel, error) {
	if channelID <= 0 {
		return kit.Channel{}, kit.ErrChannelNotFound
	}
	id := strconv.FormatInt(channelID, 10)
	ch, err := a.s.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return kit.Channel{}, fmt.Errorf("%w: %s", kit.ErrChannelNotFound, id)
		}
		return kit.Channel{}, err
	}
	if ch == nil {
		return kit.Channel{}, fmt.Errorf("%w: %s", kit.ErrChannelNotFound, id)
	}
	return kit.Channel{ID: channelID, Name: ch.Name, Platform: a.Name()}, nil
}

func (a *Adapter) Send(ctx context.Context, ch kit.Channel, text string) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	m, err := a.s.ChannelMessageSend(strconv.FormatInt(ch.ID, 10), text, discordgo.WithContext(ctx))
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref := kit.MessageRef{ChannelID: ch.ID}
	if m != nil {
		ref.MessageID = m.ID
	}
	return ref, nil
}

// isNotFound treats unknown channels and channels the bot cannot access alike:
// in both cases nothing can be delivered.
func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess:
			return true
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return true
		}
	}
	return false
}
