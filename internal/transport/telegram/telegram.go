package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/eventbus"
	rtsup "groupcast/internal/runtime/supervisor"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter implements transport.Client over the Telegram Bot API.
//
// Group discovery: whenever the bot sees activity in a group chat it is a
// member of, the (id, title) pair is published on the event bus as a
// GroupSeen event. The recipient registry consumes those to build the
// discovered list the operator picks broadcast targets from.
type Adapter struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	// sup owns adapter internal goroutines (poll loop, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	connected atomic.Bool
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bus: bus, bot: b}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	observe := func(c tele.Context) error {
		a.observeChat(c.Chat())
		return nil
	}
	a.bot.Handle(tele.OnText, observe)
	a.bot.Handle(tele.OnMedia, observe)
	a.bot.Handle(tele.OnAddedToGroup, observe)
}

func (a *Adapter) observeChat(chat *tele.Chat) {
	if chat == nil || a.bus == nil {
		return
	}
	if chat.Type != tele.ChatGroup && chat.Type != tele.ChatSuperGroup {
		return
	}
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeGroupSeen,
		Data: transport.GroupSeen{
			ID:   strconv.FormatInt(chat.ID, 10),
			Name: chat.Title,
		},
	})
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.connected.Store(false)
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.connected.Store(true)
		if a.bot != nil {
			a.bot.Start()
		}
		a.connected.Store(false)
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("telebot poll loop exited unexpectedly")
		}
		return nil
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	a.connected.Store(false)
	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if sup != nil {
		if err := sup.Wait(wctx); err != nil {
			// Don't hard-fail shutdown for the adapter; just report.
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				a.log.Warn("telegram stop timed out", logx.Err(err))
				return nil
			}
			a.log.Warn("telegram stop error", logx.Err(err))
		}
	}
	return nil
}

func (a *Adapter) Connected() bool { return a.connected.Load() }

func (a *Adapter) Send(ctx context.Context, recipientID string, media transport.Media, caption string) error {
	chatID, err := parseChatID(recipientID)
	if err != nil {
		return err
	}
	photo := &tele.Photo{File: tele.FromDisk(media.Path), Caption: caption}
	_, err = a.bot.Send(tele.ChatID(chatID), photo)
	return err
}

func (a *Adapter) ResolveName(ctx context.Context, recipientID string) (string, error) {
	chatID, err := parseChatID(recipientID)
	if err != nil {
		return "", err
	}
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return "", err
	}
	return chat.Title, nil
}

func parseChatID(recipientID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return 0, errors.New("invalid recipient id: " + recipientID)
	}
	return id, nil
}
