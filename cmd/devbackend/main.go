package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/eleven-am/face-kiosk/internal/devbackend"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	addr := os.Getenv("DEVBACKEND_ADDR")
	if addr == "" {
		addr = ":3001"
	}

	var confidence float64
	if v := os.Getenv("DEVBACKEND_CONFIDENCE"); v != "" {
		confidence, _ = strconv.ParseFloat(v, 64)
	}

	srv := devbackend.NewServer(devbackend.Config{
		Confidence: confidence,
		Logger:     logger,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	srv.RegisterRoutes(e)

	go func() {
		logger.Info("dev backend listening", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
