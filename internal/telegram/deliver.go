package telegram

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Delivery limits and labels.
const (
	// MaxMessageRunes is Telegram's per-message text limit.
	MaxMessageRunes = 4096
	// DefaultReportThreshold sends longer replies as a document.
	DefaultReportThreshold = 2000

	ReportNotice  = "📝 Here is your structured report:"
	ReportCaption = "Minutes.md"
)

// Deliverer sends agent replies to a chat, switching to a markdown
// document for reports and long answers.
type Deliverer struct {
	bot       Bot
	tmpDir    string
	threshold int
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// NewDeliverer creates a Deliverer. Report files are written under
// tmpDir (the OS temp dir when empty) and named in loc. Replies longer
// than threshold runes become documents; zero selects
// [DefaultReportThreshold] and a negative value disables the length
// rule.
func NewDeliverer(bot Bot, tmpDir string, threshold int, loc *time.Location, logger *slog.Logger) *Deliverer {
	if threshold == 0 {
		threshold = DefaultReportThreshold
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		bot:       bot,
		tmpDir:    tmpDir,
		threshold: threshold,
		loc:       loc,
		now:       time.Now,
		logger:    logger.With("component", "deliver"),
	}
}

// IsReport reports whether text should go out as a document.
func (d *Deliverer) IsReport(text string) bool {
	if strings.Contains(text, "# Executive Summary") || strings.Contains(text, "###") {
		return true
	}
	return d.threshold > 0 && utf8.RuneCountInString(text) > d.threshold
}

// ReportFilename names a report written at t.
func ReportFilename(t time.Time) string {
	return "Meeting_Minutes_" + t.Format("2006-01-02_1504") + ".md"
}

// Deliver sends text to chatID. Empty text sends nothing.
func (d *Deliverer) Deliver(chatID int64, text string) error {
	if text == "" {
		return nil
	}
	if d.IsReport(text) {
		return d.sendReport(chatID, text)
	}
	for _, chunk := range SplitRunes(text, MaxMessageRunes) {
		if _, err := d.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (d *Deliverer) sendReport(chatID int64, text string) error {
	dir, err := os.MkdirTemp(d.tmpDir, "gestella-report-*")
	if err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, ReportFilename(d.now().In(d.loc)))
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if _, err := d.bot.Send(tgbotapi.NewMessage(chatID, ReportNotice)); err != nil {
		return fmt.Errorf("send report notice: %w", err)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = ReportCaption
	if _, err := d.bot.Send(doc); err != nil {
		return fmt.Errorf("send report: %w", err)
	}

	d.logger.Info("report delivered",
		"chat_id", chatID,
		"file", filepath.Base(path),
		"chars", utf8.RuneCountInString(text),
	)
	return nil
}

// SplitRunes splits s into pieces of at most n runes.
func SplitRunes(s string, n int) []string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
