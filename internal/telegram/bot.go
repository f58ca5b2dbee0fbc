// Package telegram bridges Telegram chats to the gatekeeper and the
// agent loop: inbound text and voice go in, replies and structured
// reports come out.
package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/khairulanwarjo/gestella/internal/buildinfo"
	"github.com/khairulanwarjo/gestella/internal/httpkit"
)

// Bot is the subset of the Bot API the bridge uses. *tgbotapi.BotAPI
// implements it.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewBot connects to the Bot API and verifies the token. pollTimeout is
// the long-poll duration in seconds; the HTTP timeout leaves headroom
// above it.
func NewBot(token string, pollTimeout int) (*tgbotapi.BotAPI, error) {
	client := httpkit.NewClient(
		httpkit.WithTimeout(time.Duration(pollTimeout+15)*time.Second),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
	)
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return bot, nil
}
