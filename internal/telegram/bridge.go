package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/khairulanwarjo/gestella/internal/gatekeeper"
	"github.com/khairulanwarjo/gestella/internal/httpkit"
	"github.com/khairulanwarjo/gestella/internal/llm"
	"github.com/khairulanwarjo/gestella/internal/tools"
)

// Gate decides whether a message may reach the agent.
// *gatekeeper.Gatekeeper implements it.
type Gate interface {
	CheckWithStatus(ctx context.Context, userID, text string, status gatekeeper.StatusFunc) (gatekeeper.Decision, error)
}

// Responder runs one agent turn and always returns text to deliver.
// *agent.Loop implements it.
type Responder interface {
	Respond(ctx context.Context, threadKey, userID, text string) string
}

// DefaultHandleTimeout bounds how long a single inbound message may be
// processed, including transcription and delivery.
const DefaultHandleTimeout = 5 * time.Minute

// idleTimeout retires a chat worker that has had nothing to do.
const idleTimeout = 10 * time.Minute

// rateWindow is the sliding window for per-chat rate limiting.
const rateWindow = time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Bot         Bot
	Gate        Gate
	Agent       Responder
	Transcriber llm.Transcriber
	Deliverer   *Deliverer
	// HTTPClient downloads voice files. Defaults to an httpkit client.
	HTTPClient  *http.Client
	Logger      *slog.Logger
	PollTimeout int    // seconds
	RateLimit   int    // per chat per minute; 0 = unlimited
	TempDir     string // voice downloads; empty = OS temp dir
	SendQRCode  bool
	// HandleTimeout defaults to DefaultHandleTimeout.
	HandleTimeout time.Duration
}

// Bridge receives Telegram updates and hands each chat's messages, in
// order, to a dedicated worker goroutine. Different chats run
// concurrently.
type Bridge struct {
	bot         Bot
	gate        Gate
	agent       Responder
	transcriber llm.Transcriber
	deliverer   *Deliverer
	httpClient  *http.Client
	logger      *slog.Logger
	pollTimeout int
	rateLimit   int
	tempDir     string
	sendQR      bool
	timeout     time.Duration
	idle        time.Duration
	window      time.Duration

	mu       sync.Mutex
	workers  map[int64]*chatWorker
	chatSent map[int64][]time.Time
	wg       sync.WaitGroup
}

type chatWorker struct {
	queue []*tgbotapi.Message
	wake  chan struct{}
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telegram")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute))
	}
	deliverer := cfg.Deliverer
	if deliverer == nil {
		deliverer = NewDeliverer(cfg.Bot, cfg.TempDir, 0, nil, logger)
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	return &Bridge{
		bot:         cfg.Bot,
		gate:        cfg.Gate,
		agent:       cfg.Agent,
		transcriber: cfg.Transcriber,
		deliverer:   deliverer,
		httpClient:  httpClient,
		logger:      logger,
		pollTimeout: cfg.PollTimeout,
		rateLimit:   cfg.RateLimit,
		tempDir:     cfg.TempDir,
		sendQR:      cfg.SendQRCode,
		timeout:     timeout,
		idle:        idleTimeout,
		window:      rateWindow,
		workers:     make(map[int64]*chatWorker),
		chatSent:    make(map[int64][]time.Time),
	}
}

// Start long-polls for updates until ctx is cancelled, then waits for
// in-flight messages to finish.
func (b *Bridge) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.bot.GetUpdatesChan(u)

	b.logger.Info("telegram bridge started", "poll_timeout", b.pollTimeout)
	b.Serve(ctx, updates)
	b.bot.StopReceivingUpdates()
	b.Wait()
	b.logger.Info("telegram bridge stopped")
}

// Serve dispatches updates until ctx is cancelled or updates closes.
func (b *Bridge) Serve(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				b.logger.Info("telegram update channel closed")
				return
			}
			b.dispatch(ctx, upd)
		}
	}
}

// Wait blocks until every chat worker has exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) dispatch(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Text == "" && msg.Voice == nil && msg.Audio == nil {
		b.logger.Debug("ignoring unsupported message", "chat_id", msg.Chat.ID)
		return
	}
	if msg.IsCommand() {
		b.logger.Debug("ignoring command", "chat_id", msg.Chat.ID, "command", msg.Command())
		return
	}
	if !b.allowChat(msg.Chat.ID) {
		b.logger.Warn("telegram message rate-limited", "chat_id", msg.Chat.ID)
		return
	}

	chatID := msg.Chat.ID
	b.mu.Lock()
	w, ok := b.workers[chatID]
	if !ok {
		w = &chatWorker{wake: make(chan struct{}, 1)}
		b.workers[chatID] = w
		b.wg.Add(1)
		go b.runWorker(ctx, chatID, w)
	}
	w.queue = append(w.queue, msg)
	b.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// runWorker drains one chat's queue in arrival order and exits after
// idleTimeout with nothing queued, or when ctx is done.
func (b *Bridge) runWorker(ctx context.Context, chatID int64, w *chatWorker) {
	defer b.wg.Done()

	idle := time.NewTimer(b.idle)
	defer idle.Stop()

	for {
		b.mu.Lock()
		if len(w.queue) > 0 {
			msg := w.queue[0]
			w.queue = w.queue[1:]
			b.mu.Unlock()

			b.handle(ctx, msg)

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.idle)
			continue
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			b.retire(chatID)
			return
		case <-w.wake:
		case <-idle.C:
			b.mu.Lock()
			if len(w.queue) == 0 {
				delete(b.workers, chatID)
				b.dropExpiredRateLocked(chatID, time.Now())
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			idle.Reset(b.idle)
		}
	}
}

func (b *Bridge) retire(chatID int64) {
	b.mu.Lock()
	delete(b.workers, chatID)
	b.mu.Unlock()
}

// handle processes one message. A panic is logged and reported to the
// chat; it never takes the process down.
func (b *Bridge) handle(parent context.Context, msg *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	chatID := msg.Chat.ID
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic handling telegram message",
				"chat_id", chatID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			b.sendText(chatID, fmt.Sprintf("❌ Error: %v", r))
		}
	}()

	if msg.Voice != nil || msg.Audio != nil {
		b.handleVoice(ctx, msg)
		return
	}
	b.handleText(ctx, msg)
}

func (b *Bridge) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := strconv.FormatInt(msg.From.ID, 10)

	b.logger.Info("telegram message received",
		"chat_id", chatID,
		"user_id", userID,
		"message_len", len(msg.Text),
	)

	cred, ok := b.admit(ctx, chatID, userID, msg.Text)
	if !ok {
		return
	}
	b.runAgent(ctx, chatID, userID, msg.Text, cred)
}

// admit runs the gatekeeper and sends its reply when the agent must not
// run.
func (b *Bridge) admit(ctx context.Context, chatID int64, userID, text string) (tools.Credential, bool) {
	d, err := b.gate.CheckWithStatus(ctx, userID, text, b.statusFunc(chatID))
	if err != nil {
		b.logger.Error("gatekeeper check failed", "chat_id", chatID, "user_id", userID, "error", err)
		b.sendText(chatID, "❌ Error: "+err.Error())
		return tools.Credential{}, false
	}
	if d.Proceed {
		return d.Credential, true
	}

	reply := tgbotapi.NewMessage(chatID, d.Reply)
	if d.Markdown {
		reply.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := b.bot.Send(reply); err != nil {
		b.logger.Error("gatekeeper reply failed", "chat_id", chatID, "error", err)
	}
	if d.AuthURL != "" && b.sendQR {
		b.sendLoginQR(chatID, d.AuthURL)
	}
	return tools.Credential{}, false
}

func (b *Bridge) sendLoginQR(chatID int64, url string) {
	png, err := gatekeeper.QRCode(url)
	if err != nil {
		b.logger.Warn("login qr failed", "error", err)
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "login.png", Bytes: png})
	if _, err := b.bot.Send(photo); err != nil {
		b.logger.Warn("login qr send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bridge) runAgent(ctx context.Context, chatID int64, userID, text string, cred tools.Credential) {
	if _, err := b.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("typing indicator failed", "error", err)
	}

	start := time.Now()
	ctx = tools.WithCredential(ctx, cred)
	reply := b.agent.Respond(ctx, strconv.FormatInt(chatID, 10), userID, text)

	b.logger.Info("telegram agent run completed",
		"chat_id", chatID,
		"response_len", len(reply),
		"elapsed", time.Since(start),
	)

	if err := b.deliverer.Deliver(chatID, reply); err != nil {
		b.logger.Error("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// statusFunc posts a transient status message and returns a func that
// deletes it.
func (b *Bridge) statusFunc(chatID int64) gatekeeper.StatusFunc {
	return func(text string) func() {
		sent, err := b.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			b.logger.Debug("status message failed", "error", err)
			return func() {}
		}
		return func() { b.deleteMessage(chatID, sent.MessageID) }
	}
}

func (b *Bridge) sendText(chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bridge) deleteMessage(chatID int64, messageID int) {
	if _, err := b.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("delete message failed", "chat_id", chatID, "error", err)
	}
}

// allowChat checks whether the chat is within the per-minute rate
// limit.
func (b *Bridge) allowChat(chatID int64) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-b.window)

	b.mu.Lock()
	defer b.mu.Unlock()

	times := b.chatSent[chatID]
	valid := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= b.rateLimit {
		b.chatSent[chatID] = valid
		return false
	}
	b.chatSent[chatID] = append(valid, now)
	return true
}

// dropExpiredRateLocked forgets a chat's rate history once every send
// in it has aged out of the window. b.mu must be held.
func (b *Bridge) dropExpiredRateLocked(chatID int64, now time.Time) {
	cutoff := now.Add(-b.window)
	for _, ts := range b.chatSent[chatID] {
		if ts.After(cutoff) {
			return
		}
	}
	delete(b.chatSent, chatID)
}
