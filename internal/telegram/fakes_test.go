package telegram

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/oauth2"

	"github.com/khairulanwarjo/gestella/internal/gatekeeper"
	"github.com/khairulanwarjo/gestella/internal/tools"
)

// outbound is one call the bridge made against the Bot API.
type outbound struct {
	kind      string // message, document, photo, action, edit, delete
	chatID    int64
	text      string
	parseMode string
	messageID int
	// document fields, captured while the file still exists
	path    string
	content string
}

type fakeBot struct {
	mu      sync.Mutex
	calls   []outbound
	nextID  int
	fileURL string
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++

	switch v := c.(type) {
	case tgbotapi.MessageConfig:
		f.calls = append(f.calls, outbound{kind: "message", chatID: v.ChatID, text: v.Text, parseMode: v.ParseMode, messageID: f.nextID})
	case tgbotapi.DocumentConfig:
		out := outbound{kind: "document", chatID: v.ChatID, text: v.Caption}
		if p, ok := v.File.(tgbotapi.FilePath); ok {
			out.path = string(p)
			data, _ := os.ReadFile(out.path)
			out.content = string(data)
		}
		f.calls = append(f.calls, out)
	case tgbotapi.PhotoConfig:
		f.calls = append(f.calls, outbound{kind: "photo", chatID: v.ChatID})
	}
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch v := c.(type) {
	case tgbotapi.ChatActionConfig:
		f.calls = append(f.calls, outbound{kind: "action", chatID: v.ChatID, text: v.Action})
	case tgbotapi.EditMessageTextConfig:
		f.calls = append(f.calls, outbound{kind: "edit", chatID: v.ChatID, text: v.Text, messageID: v.MessageID})
	case tgbotapi.DeleteMessageConfig:
		f.calls = append(f.calls, outbound{kind: "delete", chatID: v.ChatID, messageID: v.MessageID})
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(string) (string, error) { return f.fileURL, nil }

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeBot) StopReceivingUpdates() {}

func (f *fakeBot) outbound() []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbound(nil), f.calls...)
}

func (f *fakeBot) ofKind(kind string) []outbound {
	var out []outbound
	for _, c := range f.outbound() {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// fakeGate returns decide's verdict; the default lets everyone through.
type fakeGate struct {
	mu     sync.Mutex
	texts  []string
	decide func(userID, text string, status gatekeeper.StatusFunc) (gatekeeper.Decision, error)
}

func (g *fakeGate) CheckWithStatus(_ context.Context, userID, text string, status gatekeeper.StatusFunc) (gatekeeper.Decision, error) {
	g.mu.Lock()
	g.texts = append(g.texts, text)
	g.mu.Unlock()
	if g.decide != nil {
		return g.decide(userID, text, status)
	}
	return gatekeeper.Decision{Proceed: true, Credential: tools.Credential{
		UserID:      userID,
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"}),
	}}, nil
}

type agentCall struct {
	threadKey string
	userID    string
	text      string
	credUser  string
}

type fakeAgent struct {
	mu      sync.Mutex
	calls   []agentCall
	reply   string
	respond func(text string) string
}

func (a *fakeAgent) Respond(ctx context.Context, threadKey, userID, text string) string {
	call := agentCall{threadKey: threadKey, userID: userID, text: text}
	if cred, ok := tools.CredentialFrom(ctx); ok {
		call.credUser = cred.UserID
	}
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()

	if a.respond != nil {
		return a.respond(text)
	}
	return a.reply
}

func (a *fakeAgent) got() []agentCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agentCall(nil), a.calls...)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	audio []byte
	name  string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, filename string, audio io.Reader) (string, error) {
	data, _ := io.ReadAll(audio)
	f.mu.Lock()
	f.audio = data
	f.name = filepath.Base(filename)
	f.mu.Unlock()
	return f.text, f.err
}
