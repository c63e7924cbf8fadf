package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wachiwi/recarga/pkg/bootstrap"
	"github.com/wachiwi/recarga/pkg/download"
	"github.com/wachiwi/recarga/pkg/logger"
	"github.com/wachiwi/recarga/pkg/ocr"
)

func main() {
	logger.Setup(os.Getenv("RECARGA_LOG_LEVEL"))
	var root, lang, mode, assets, baseURL string

	flag.StringVar(&root, "root", "/var/lib/recarga", "Storage root that receives tessdata/")
	flag.StringVar(&lang, "lang", "eng", "Language to install")
	flag.StringVar(&mode, "mode", ocr.TesseractOnly.String(), "Engine mode used for the init check")
	flag.StringVar(&assets, "assets", "assets", "Directory with bundled tessdata/<lang>.traineddata")
	flag.StringVar(&baseURL, "base-url", "", "Language data download base URL")
	flag.Parse()

	engineMode, err := ocr.ParseEngineMode(mode)
	if err != nil {
		logger.Fatal("Invalid engine mode", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := ocr.NewEngine()
	defer engine.End()

	b := bootstrap.New(engine, os.DirFS(assets), download.NewClient(baseURL))
	req := bootstrap.Request{StorageRoot: root, Language: lang, Mode: engineMode}
	last := -1
	err = b.Initialize(ctx, req, func(p bootstrap.Progress) {
		if p.Percent != last {
			last = p.Percent
			slog.Info(p.Message, "percent", p.Percent)
		}
	}, nil)
	if err != nil {
		logger.Fatal("Failed to install language data", "error", err)
	}

	slog.Info("Language data ready", "model", bootstrap.ModelPath(root, lang))
}
