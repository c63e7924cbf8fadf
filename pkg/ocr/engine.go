package ocr

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"
)

// EngineMode selects the recognizer backend inside the engine.
type EngineMode int

const (
	TesseractOnly EngineMode = iota
	CubeOnly
	TesseractCubeCombined
	DefaultEngineMode
)

var engineModeNames = map[EngineMode]string{
	TesseractOnly:         "tesseract_only",
	CubeOnly:              "cube_only",
	TesseractCubeCombined: "tesseract_cube_combined",
	DefaultEngineMode:     "default",
}

func (m EngineMode) String() string {
	if s, ok := engineModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("EngineMode(%d)", int(m))
}

// ParseEngineMode maps a config value to an EngineMode.
func ParseEngineMode(s string) (EngineMode, error) {
	for m, name := range engineModeNames {
		if strings.EqualFold(name, s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown engine mode %q", s)
}

// PageSegMode controls how the engine splits a frame into text regions.
type PageSegMode int

const (
	OSDOnly PageSegMode = iota
	AutoOSD
	AutoOnly
	Auto
	SingleColumn
	SingleBlockVertText
	SingleBlock
	SingleLine
	SingleWord
	CircleWord
	SingleChar
	SparseText
	SparseTextOSD
	RawLine
)

var pageSegModeNames = []string{
	"osd_only", "auto_osd", "auto_only", "auto", "single_column",
	"single_block_vert_text", "single_block", "single_line", "single_word",
	"circle_word", "single_char", "sparse_text", "sparse_text_osd", "raw_line",
}

func (m PageSegMode) String() string {
	if m >= 0 && int(m) < len(pageSegModeNames) {
		return pageSegModeNames[m]
	}
	return fmt.Sprintf("PageSegMode(%d)", int(m))
}

// ParsePageSegMode maps a config value to a PageSegMode.
func ParsePageSegMode(s string) (PageSegMode, error) {
	for i, name := range pageSegModeNames {
		if strings.EqualFold(name, s) {
			return PageSegMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown page segmentation mode %q", s)
}

// Result is one successful recognition of a frame.
type Result struct {
	Text            string
	MeanConfidence  float64
	WordConfidences []float64
	WordBoxes       []image.Rectangle
	Timestamp       time.Time
}

// Failure reports a frame the engine could not decode.
type Failure struct {
	Err       error
	Timestamp time.Time
}

// Engine is the text recognizer. Calls are not safe for concurrent use:
// at any moment exactly one goroutine may drive an Engine.
type Engine interface {
	// Init loads language data from <root>/tessdata. A nil error means the
	// engine is ready to decode.
	Init(root, language string, mode EngineMode) error
	SetPageSegMode(mode PageSegMode)
	Decode(ctx context.Context, frame []byte) (*Result, error)
	// End releases engine resources. The engine must not be used afterwards.
	End()
}
