// Package main starts an evented node hosting the compensation fallback
// domain and relaying to the routed remote domains.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	eventedcmd "github.com/louisbranch/evented/internal/cmd/evented"
	"github.com/louisbranch/evented/internal/platform/config"
)

func main() {
	cfg, err := eventedcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	config.ExitOnError("parse flags", err)
	log.SetPrefix("[EVENTED] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eventedcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
