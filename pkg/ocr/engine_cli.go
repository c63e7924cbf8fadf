//go:build !cgo || !gosseract

package ocr

// NewEngine returns the engine that drives the tesseract command line tool.
// Build with cgo and the gosseract tag to link libtesseract instead.
func NewEngine() Engine { return NewTesseract() }
