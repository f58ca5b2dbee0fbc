package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/khairulanwarjo/gestella/internal/httpkit"
	"github.com/khairulanwarjo/gestella/internal/prompts"
)

// Voice handling limits and status texts.
const (
	// MaxAudioBytes is the Bot API download limit.
	MaxAudioBytes = 20 * 1024 * 1024
	// MeetingTranscriptRunes routes longer transcripts to meeting
	// analysis.
	MeetingTranscriptRunes = 500

	FileTooLarge     = "⚠️ File too large."
	ProcessingNotice = "⏳ Processing..."
	AnalyzingNotice  = "🧠 Analyzing meeting..."
)

type audioFile struct {
	id   string
	size int
}

func audioOf(msg *tgbotapi.Message) (audioFile, bool) {
	switch {
	case msg.Voice != nil:
		return audioFile{id: msg.Voice.FileID, size: msg.Voice.FileSize}, true
	case msg.Audio != nil:
		return audioFile{id: msg.Audio.FileID, size: msg.Audio.FileSize}, true
	}
	return audioFile{}, false
}

// handleVoice gates, downloads, and transcribes a voice or audio
// message, then runs the transcript through the agent.
func (b *Bridge) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := strconv.FormatInt(msg.From.ID, 10)

	cred, ok := b.admit(ctx, chatID, userID, msg.Text)
	if !ok {
		return
	}

	file, ok := audioOf(msg)
	if !ok {
		return
	}
	b.logger.Info("telegram voice received",
		"chat_id", chatID,
		"user_id", userID,
		"bytes", file.size,
	)
	if file.size > MaxAudioBytes {
		b.sendText(chatID, FileTooLarge)
		return
	}
	if b.transcriber == nil {
		b.sendText(chatID, "❌ Error: voice transcription is not configured")
		return
	}

	status, err := b.bot.Send(tgbotapi.NewMessage(chatID, ProcessingNotice))
	if err != nil {
		b.logger.Warn("status message failed", "chat_id", chatID, "error", err)
	}

	transcript, err := b.transcribe(ctx, file.id)
	if err != nil {
		b.logger.Error("voice transcription failed", "chat_id", chatID, "error", err)
		b.sendText(chatID, "❌ Error: "+err.Error())
		return
	}

	input := transcript
	if utf8.RuneCountInString(transcript) > MeetingTranscriptRunes {
		if status.MessageID != 0 {
			edit := tgbotapi.NewEditMessageText(chatID, status.MessageID, AnalyzingNotice)
			if _, err := b.bot.Request(edit); err != nil {
				b.logger.Debug("status edit failed", "error", err)
			}
		}
		input = prompts.VoiceMeetingPrefix + transcript
	} else if status.MessageID != 0 {
		b.deleteMessage(chatID, status.MessageID)
	}

	b.runAgent(ctx, chatID, userID, input, cred)
}

// transcribe downloads the file to a temp path, which is removed
// whatever happens, and returns its transcript.
func (b *Bridge) transcribe(ctx context.Context, fileID string) (string, error) {
	url, err := b.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}

	f, err := os.CreateTemp(b.tempDir, "gestella-voice-*.ogg")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	_, err = httpkit.Download(ctx, b.httpClient, url, f, MaxAudioBytes)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, httpkit.ErrTooLarge) {
		return "", errors.New("file too large")
	}
	if err != nil {
		return "", err
	}

	audio, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer audio.Close()

	text, err := b.transcriber.Transcribe(ctx, path, audio)
	if err != nil {
		return "", err
	}
	return text, nil
}
