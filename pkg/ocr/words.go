package ocr

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
)

// Word is one recognized word with its layout position.
type Word struct {
	Text       string
	Confidence float64
	Box        image.Rectangle
	Block      int
	Paragraph  int
	Line       int
}

// Assemble builds a Result from words in reading order. Words on the same
// line are joined with spaces and lines with newlines; blank words are
// skipped.
func Assemble(words []Word) *Result {
	res := &Result{}
	var (
		lines   []string
		current []string
		last    Word
		started bool
		confSum float64
	)
	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		if started && (w.Block != last.Block || w.Paragraph != last.Paragraph || w.Line != last.Line) {
			lines = append(lines, strings.Join(current, " "))
			current = nil
		}
		started = true
		last = w
		current = append(current, text)

		res.WordBoxes = append(res.WordBoxes, w.Box)
		res.WordConfidences = append(res.WordConfidences, w.Confidence)
		confSum += w.Confidence
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}

	res.Text = strings.Join(lines, "\n")
	if n := len(res.WordConfidences); n > 0 {
		res.MeanConfidence = confSum / float64(n)
	}
	return res
}

// languageData returns the tessdata directory under root after checking
// that it holds a non-empty model for language.
func languageData(root, language string) (string, error) {
	dataDir := filepath.Join(root, "tessdata")
	model := filepath.Join(dataDir, language+".traineddata")
	info, err := os.Stat(model)
	if err != nil {
		return "", fmt.Errorf("language data: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("language data %s is empty", model)
	}
	return dataDir, nil
}
