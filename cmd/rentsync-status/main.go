package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentsync/internal/statusui"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:8080", "rentsync agent address")
	poll := flag.Duration("poll", 2*time.Second, "refresh interval")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := statusui.NewClient(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rentsync-status: %v\n", err)
		return 1
	}
	if err := statusui.Run(statusui.Options{Context: ctx, Client: client, PollEvery: *poll}); err != nil {
		fmt.Fprintf(os.Stderr, "rentsync-status: %v\n", err)
		return 1
	}
	return 0
}
