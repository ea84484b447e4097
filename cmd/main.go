package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/inferbridge-backend/internal/app"
	"github.com/yungbote/inferbridge-backend/internal/platform/shutdown"
)

func main() {
	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init app: %v\n", err)
		os.Exit(1)
	}
	runErr := a.Run(ctx)
	if runErr != nil {
		a.Log.Error("App stopped with error", "error", runErr)
	} else {
		a.Log.Info("App stopped")
	}
	a.Close()
	if runErr != nil {
		os.Exit(1)
	}
}
