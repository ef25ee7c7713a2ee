// Package main prints committed live events from the event bus.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	watchcmd "github.com/louisbranch/livetable/internal/cmd/watch"
)

func main() {
	cfg, err := watchcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LIVE-WATCH] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watchcmd.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("watch: %v", err)
	}
}
