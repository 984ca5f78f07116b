// Package ocr recognizes text in screenshots with the tesseract CLI.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/metrics"
)

// Config locates the tesseract binary.
type Config struct {
	Binary   string
	Language string
	Timeout  time.Duration
}

// Tesseract implements flow.TextRecognizer by piping image bytes through tesseract.
type Tesseract struct {
	path     string
	language string
	timeout  time.Duration
	logger   *zap.Logger
}

// New resolves the binary on PATH. When it is missing the returned recognizer
// is Unavailable and the error explains why.
func New(cfg Config, logger *zap.Logger) (flow.TextRecognizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "tesseract"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return Unavailable{}, fmt.Errorf("locate %s: %w", binary, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Tesseract{path: path, language: cfg.Language, timeout: cfg.Timeout, logger: logger}, nil
}

// Recognize returns the trimmed text found in image.
func (t *Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("ocr: empty image")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{"stdin", "stdout"}
	if t.language != "" {
		args = append(args, "-l", t.language)
	}
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		metrics.ObserveExternalCall("ocr", "error", time.Since(start))
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	metrics.ObserveExternalCall("ocr", "ok", time.Since(start))
	text := strings.TrimSpace(stdout.String())
	t.logger.Debug("ocr complete", zap.Int("image_bytes", len(image)), zap.Int("text_len", len(text)))
	return text, nil
}

// Unavailable is the recognizer used when no OCR engine is installed.
type Unavailable struct{}

// Recognize always fails with flow.ErrUnavailable.
func (Unavailable) Recognize(context.Context, []byte) (string, error) {
	return "", fmt.Errorf("ocr engine: %w", flow.ErrUnavailable)
}
