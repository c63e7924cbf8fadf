package ocr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotInitialized is returned by Decode before a successful Init or after End.
var ErrNotInitialized = errors.New("ocr engine not initialized")

// Tesseract drives the tesseract command line tool, one process per frame.
type Tesseract struct {
	// Binary is the tesseract executable; defaults to "tesseract" on PATH.
	Binary string

	mu       sync.Mutex
	dataDir  string
	language string
	mode     EngineMode
	psm      PageSegMode
	ready    bool
}

// NewTesseract returns an uninitialized engine.
func NewTesseract() *Tesseract {
	return &Tesseract{Binary: "tesseract", psm: AutoOSD}
}

// Init checks that the language data and the tesseract binary are present.
func (t *Tesseract) Init(root, language string, mode EngineMode) error {
	dataDir, err := languageData(root, language)
	if err != nil {
		return err
	}
	bin, err := exec.LookPath(t.Binary)
	if err != nil {
		return fmt.Errorf("tesseract binary: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.Binary = bin
	t.dataDir = dataDir
	t.language = language
	t.mode = mode
	t.ready = true
	slog.Info("Tesseract initialized", "binary", bin, "language", language, "mode", mode)
	return nil
}

func (t *Tesseract) SetPageSegMode(mode PageSegMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.psm = mode
}

// Decode recognizes the text in a JPEG frame.
func (t *Tesseract) Decode(ctx context.Context, frame []byte) (*Result, error) {
	t.mu.Lock()
	if !t.ready {
		t.mu.Unlock()
		return nil, ErrNotInitialized
	}
	args := []string{
		"stdin", "stdout",
		"--tessdata-dir", t.dataDir,
		"-l", t.language,
		"--oem", strconv.Itoa(int(t.mode)),
		"--psm", strconv.Itoa(int(t.psm)),
		"tsv",
	}
	bin := t.Binary
	t.mu.Unlock()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(frame)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tesseract: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	res, err := ParseTSV(&stdout)
	if err != nil {
		return nil, err
	}
	res.Timestamp = time.Now()
	return res, nil
}

func (t *Tesseract) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = false
}

// ParseTSV converts tesseract's TSV output into a Result.
func ParseTSV(r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	var words []Word
	header := true
	for scanner.Scan() {
		row := scanner.Text()
		if header {
			header = false
			if strings.HasPrefix(row, "level") {
				continue
			}
		}
		cols := strings.Split(row, "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(strings.Join(cols[11:], "\t"))
		if text == "" {
			continue
		}
		nums := make([]int, 10)
		for i := 1; i <= 9; i++ {
			n, err := strconv.Atoi(cols[i])
			if err != nil {
				return nil, fmt.Errorf("tsv column %d: %w", i, err)
			}
			nums[i] = n
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, fmt.Errorf("tsv confidence: %w", err)
		}

		left, top, width, height := nums[6], nums[7], nums[8], nums[9]
		words = append(words, Word{
			Text:       text,
			Confidence: conf,
			Box:        image.Rect(left, top, left+width, top+height),
			Block:      nums[2],
			Paragraph:  nums[3],
			Line:       nums[4],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tsv: %w", err)
	}
	return Assemble(words), nil
}
