// Package telegram implements the relay chat adapter on top of telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pagerelay/internal/transport"
	logx "pagerelay/pkg/logx"
)

// MessageLimit is Telegram's text message limit in characters.
const MessageLimit = 4096

type Config struct {
	Token        string
	MessageLimit int
	// APITimeout bounds each Bot API call. 0 keeps telebot's client default.
	APITimeout time.Duration
}

// bot is the subset of *tele.Bot the adapter uses.
type bot interface {
	ChatByID(id int64) (*tele.Chat, error)
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	bot bot

	// dial is replaced in tests.
	dial func(tele.Settings) (bot, error)
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = MessageLimit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg: cfg,
		log: log,
		dial: func(s tele.Settings) (bot, error) {
			b, err := tele.NewBot(s)
			if err != nil {
				return nil, err
			}
			log.Info("logged in", logx.String("user", b.Me.Username))
			return b, nil
		},
	}, nil
}

func (a *Adapter) Name() string      { return "telegram" }
func (a *Adapter) MessageLimit() int { return a.cfg.MessageLimit }

// Open authenticates with getMe. No update poller is started: the relay only sends.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st := tele.Settings{Token: strings.TrimSpace(a.cfg.Token)}
	if a.cfg.APITimeout > 0 {
		st.Client = &http.Client{Timeout: a.cfg.APITimeout}
	}
	b, err := a.dial(st)
	if err != nil {
		return fmt.Errorf("telegram open: %w", err)
	}
	a.bot = b
	return nil
}

func (a *Adapter) Close(_ context.Context) error {
	a.mu.Lock()
	a.bot = nil
	a.mu.Unlock()
	return nil
}

func (a *Adapter) current() (bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == nil {
		return nil, errors.New("telegram adapter not open")
	}
	return a.bot, nil
}

func (a *Adapter) Resolve(ctx context.Context, channelID int64) (kit.Channel, error) {
	b, err := a.current()
	if err != nil {
		return kit.Channel{}, err
	}
	if err := ctx.Err(); err != nil {
		return kit.Channel{}, err
	}
	// Telegram chat ids are negative for groups and channels; zero is never valid.
	if channelID == 0 {
		return kit.Channel{}, kit.ErrChannelNotFound
	}
	chat, err := b.ChatByID(channelID)
	if err != nil {
		if isChatNotFound(err) {
			return kit.Channel{}, fmt.Errorf("%w: %d", kit.ErrChannelNotFound, channelID)
		}
		return kit.Channel{}, err
	}
	name := chat.Title
	if name == "" {
		name = chat.Username
	}
	return kit.Channel{ID: chat.ID, Name: name, Platform: a.Name()}, nil
}

func (a *Adapter) Send(ctx context.Context, ch kit.Channel, text string) (kit.MessageRef, error) {
	b, err := a.current()
	if err != nil {
		return kit.MessageRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	m, err := b.Send(&tele.Chat{ID: ch.ID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref := kit.MessageRef{ChannelID: ch.ID}
	if m != nil {
		ref.MessageID = strconv.Itoa(m.ID)
	}
	return ref, nil
}

func isChatNotFound(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "chat not found")
}
