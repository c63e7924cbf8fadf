//go:build cgo && gosseract

package ocr

// NewEngine returns the in-process libtesseract engine.
func NewEngine() Engine { return NewGosseract() }
