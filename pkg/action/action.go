package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/wachiwi/recarga/pkg/code"
)

// Action is a side effect fired for each recognized code.
type Action interface {
	Trigger(ctx context.Context, code string, tmpl code.Template) error
}

// Func adapts a function to Action.
type Func func(ctx context.Context, code string, tmpl code.Template) error

func (f Func) Trigger(ctx context.Context, c string, tmpl code.Template) error {
	return f(ctx, c, tmpl)
}

// Chain triggers every action in order and joins their errors. A failing
// action does not stop the ones after it.
type Chain []Action

func (ch Chain) Trigger(ctx context.Context, c string, tmpl code.Template) error {
	var errs []error
	for _, a := range ch {
		if err := a.Trigger(ctx, c, tmpl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dialer places the recharge call by running an external command. Each
// argument may reference {{uri}}, {{dial}} and {{code}}, e.g.
//
//	adb shell am start -a android.intent.action.CALL -d {{uri}}
type Dialer struct {
	Command []string
	Logger  *slog.Logger
}

// Args expands the command template for one code.
func (d *Dialer) Args(c string, tmpl code.Template) []string {
	r := strings.NewReplacer(
		"{{uri}}", tmpl.URI(c),
		"{{dial}}", tmpl.Format(c),
		"{{code}}", c,
	)
	args := make([]string, len(d.Command))
	for i, a := range d.Command {
		args[i] = r.Replace(a)
	}
	return args
}

func (d *Dialer) Trigger(ctx context.Context, c string, tmpl code.Template) error {
	if len(d.Command) == 0 {
		return fmt.Errorf("dialer: no command configured")
	}
	args := d.Args(c, tmpl)
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dialer: %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	logger.Info("Dialed recharge code", "dial", tmpl.Format(c))
	return nil
}
