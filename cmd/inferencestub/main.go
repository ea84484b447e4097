package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/yungbote/inferbridge-backend/internal/inference/stub"
	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/platform/shutdown"
)

func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "development", nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	engine := stub.NewEngine(stub.Options{
		Latency:   envutil.Duration("STUB_LATENCY", 2*time.Second),
		FailEvery: envutil.Int("STUB_FAIL_EVERY", 0),
		Files:     envutil.Int("STUB_FILES", 2),
	})
	srv := &http.Server{
		Addr:              envutil.String("STUB_ADDR", ":5000", log),
		Handler:           stub.NewHandler(log, engine),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Inference stub listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Inference stub failed", "error", err)
			os.Exit(1)
		}
	}
}
