//go:build cgo && gosseract

package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// engineModeConfig is written next to the language data so libtesseract
// picks up the OCR engine mode at init time.
const engineModeConfig = "engine-mode.config"

// Gosseract recognizes frames in-process through libtesseract.
type Gosseract struct {
	mu     sync.Mutex
	client *gosseract.Client
	psm    PageSegMode
}

// NewGosseract returns an uninitialized engine.
func NewGosseract() *Gosseract {
	return &Gosseract{psm: AutoOSD}
}

// Init loads the language data and runs one recognition on a blank image,
// which makes libtesseract report a broken model here instead of on the
// first frame.
func (g *Gosseract) Init(root, language string, mode EngineMode) error {
	dataDir, err := languageData(root, language)
	if err != nil {
		return err
	}

	client := gosseract.NewClient()
	if err := g.configure(client, root, dataDir, language, mode); err != nil {
		client.Close()
		return err
	}
	blank, err := blankPNG()
	if err != nil {
		client.Close()
		return err
	}
	if err := client.SetImageFromBytes(blank); err != nil {
		client.Close()
		return fmt.Errorf("tesseract warm-up: %w", err)
	}
	if _, err := client.Text(); err != nil {
		client.Close()
		return fmt.Errorf("tesseract init: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.Close()
	}
	g.client = client
	slog.Info("Tesseract initialized", "library", gosseract.Version(), "language", language, "mode", mode)
	return nil
}

func (g *Gosseract) configure(client *gosseract.Client, root, dataDir, language string, mode EngineMode) error {
	if err := client.SetTessdataPrefix(dataDir); err != nil {
		return fmt.Errorf("tessdata prefix: %w", err)
	}
	if err := client.SetLanguage(language); err != nil {
		return fmt.Errorf("language: %w", err)
	}
	if mode != DefaultEngineMode {
		path := filepath.Join(root, engineModeConfig)
		if err := os.WriteFile(path, []byte(fmt.Sprintf("tessedit_ocr_engine_mode %d\n", int(mode))), 0o644); err != nil {
			return fmt.Errorf("write engine mode config: %w", err)
		}
		if err := client.SetConfigFile(path); err != nil {
			return fmt.Errorf("engine mode config: %w", err)
		}
	}
	g.mu.Lock()
	psm := g.psm
	g.mu.Unlock()
	if err := client.SetPageSegMode(gosseract.PageSegMode(psm)); err != nil {
		return fmt.Errorf("page segmentation mode: %w", err)
	}
	return nil
}

func (g *Gosseract) SetPageSegMode(mode PageSegMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.psm = mode
	if g.client == nil {
		return
	}
	if err := g.client.SetPageSegMode(gosseract.PageSegMode(mode)); err != nil {
		slog.Warn("Failed to set page segmentation mode", "mode", mode, "error", err)
	}
}

// Decode recognizes the text in a JPEG frame. The library call itself cannot
// be interrupted, so ctx is only checked before it starts.
func (g *Gosseract) Decode(ctx context.Context, frame []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil, ErrNotInitialized
	}
	if err := g.client.SetImageFromBytes(frame); err != nil {
		return nil, fmt.Errorf("tesseract image: %w", err)
	}
	boxes, err := g.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w", err)
	}

	words := make([]Word, 0, len(boxes))
	for _, b := range boxes {
		words = append(words, Word{
			Text:       b.Word,
			Confidence: b.Confidence,
			Box:        b.Box,
			Block:      b.BlockNum,
			Paragraph:  b.ParNum,
			Line:       b.LineNum,
		})
	}
	res := Assemble(words)
	res.Timestamp = time.Now()
	return res, nil
}

func (g *Gosseract) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
}

func blankPNG() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode blank image: %w", err)
	}
	return buf.Bytes(), nil
}
