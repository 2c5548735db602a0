package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osvaldoandrade/tiledetect/pkg/app"
	"github.com/osvaldoandrade/tiledetect/pkg/config"

	"github.com/joho/godotenv"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfgPath := getenv("TILEDETECT_CONFIG_PATH", "")

	cfg, err := config.LoadConfigOptional(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] invalid config:", err)
		os.Exit(1)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] init app:", err)
		os.Exit(1)
	}
	app.SetupMappings(application)

	bg, stopBackground := context.WithCancel(context.Background())
	application.Start(bg)

	addr := fmt.Sprintf(":%d", cfg.Port)
	// No WriteTimeout: a detection may legitimately run for the full detector deadline.
	srv := &http.Server{
		Addr:              addr,
		Handler:           application.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		application.Logger.Info("listening", "addr", addr, "detector", application.Detector.Name(), "resolution", cfg.Artifacts.Resolution)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "[ERROR] http server:", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopBackground()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Detector.TimeoutSeconds+5)*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	if err := application.Close(ctx); err != nil {
		application.Logger.Warn("shutdown", "err", err)
	}
}
