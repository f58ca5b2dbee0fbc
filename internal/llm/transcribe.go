package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/khairulanwarjo/gestella/internal/httpkit"
)

// Transcriber converts speech audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// WhisperTranscriber calls the OpenAI audio transcription endpoint.
type WhisperTranscriber struct {
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWhisperTranscriber creates a transcriber. Empty model and language
// default to "whisper-1" and "en".
func NewWhisperTranscriber(baseURL, apiKey, model, language string, logger *slog.Logger) *WhisperTranscriber {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	if model == "" {
		model = "whisper-1"
	}
	if language == "" {
		language = "en"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperTranscriber{
		baseURL:  strings.TrimRight(baseURL, "/"),
		model:    model,
		language: language,
		logger:   logger.With("provider", "openai", "component", "transcribe"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithBearerToken(apiKey),
		),
	}
}

// Transcribe uploads audio and returns the recognized text.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	_ = mw.WriteField("model", w.model)
	_ = mw.WriteField("language", w.language)
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}

	w.logger.Debug("transcription complete",
		"model", w.model,
		"chars", len(result.Text),
		"elapsed", time.Since(start),
	)
	return result.Text, nil
}
