package scanner

import (
	"errors"
	"log/slog"
	"time"

	"github.com/wachiwi/recarga/pkg/bootstrap"
)

// Recognition is a decoded frame as shown to the user.
type Recognition struct {
	// Code holds the 16 digits when Matched is true and is empty otherwise.
	Code           string    `json:"code,omitempty"`
	Matched        bool      `json:"matched"`
	Text           string    `json:"text"`
	MeanConfidence float64   `json:"mean_confidence"`
	Timestamp      time.Time `json:"timestamp"`
}

// Presenter is the user-facing side of the controller. Every method is
// called on the controller loop.
type Presenter interface {
	ShowProgress(p bootstrap.Progress)
	// DismissProgress may be called when nothing is shown.
	DismissProgress()
	ShowResult(r Recognition)
	ClearResult()
	ShowError(err error)
	ShowNotice(msg string)
}

// UserMessage turns a controller error into the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrResourceUnavailable):
		return "Could not initialize camera. Please try restarting device."
	case errors.Is(err, bootstrap.ErrInstall):
		return "Could not install language data. Check free storage and network access."
	case errors.Is(err, bootstrap.ErrEngineInit):
		return "Could not initialize the OCR engine. Restart the scanner to try again."
	}
	return err.Error()
}

// LogPresenter renders everything to a logger.
type LogPresenter struct {
	Logger *slog.Logger
}

func (p LogPresenter) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p LogPresenter) ShowProgress(pr bootstrap.Progress) {
	p.logger().Info(pr.Message, "percent", pr.Percent)
}

func (p LogPresenter) DismissProgress() {}

func (p LogPresenter) ShowResult(r Recognition) {
	if r.Matched {
		p.logger().Info("Code recognized", "code", r.Code, "confidence", r.MeanConfidence)
		return
	}
	p.logger().Debug("Text without code", "text", r.Text, "confidence", r.MeanConfidence)
}

func (p LogPresenter) ClearResult() {}

func (p LogPresenter) ShowError(err error) {
	p.logger().Error(UserMessage(err), "error", err)
}

func (p LogPresenter) ShowNotice(msg string) {
	p.logger().Info(msg)
}

// Presenters fans every call out to each presenter in order.
type Presenters []Presenter

func (ps Presenters) ShowProgress(p bootstrap.Progress) {
	for _, x := range ps {
		x.ShowProgress(p)
	}
}

func (ps Presenters) DismissProgress() {
	for _, x := range ps {
		x.DismissProgress()
	}
}

func (ps Presenters) ShowResult(r Recognition) {
	for _, x := range ps {
		x.ShowResult(r)
	}
}

func (ps Presenters) ClearResult() {
	for _, x := range ps {
		x.ClearResult()
	}
}

func (ps Presenters) ShowError(err error) {
	for _, x := range ps {
		x.ShowError(err)
	}
}

func (ps Presenters) ShowNotice(msg string) {
	for _, x := range ps {
		x.ShowNotice(msg)
	}
}
