// Package main starts the live session service and handles termination.
//
// The process owns every campaign's live state: stage, combat tracker and
// battle map, broadcast to subscribers over websockets.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	livecmd "github.com/louisbranch/livetable/internal/cmd/live"
)

func main() {
	cfg, err := livecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LIVE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := livecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
