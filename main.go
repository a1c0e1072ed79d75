package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/scrubmedia/scrub/internal"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("Main")

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable verbose logging output")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.VERBOSE)
	}

	config := internal.ScrubConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Fatalf("Failed to load configuration: %v\n", err)
	}

	scrub, err := internal.New(config)
	if err != nil {
		log.Fatalf("Failed to initialise Scrub: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go listenForInterrupt(cancel)

	if err := scrub.Run(ctx); err != nil {
		log.Fatalf("Scrub stopped with error: %v\n", err)
	}
}

func listenForInterrupt(cancel context.CancelFunc) {
	exitChannel := make(chan os.Signal, 1)
	signal.Notify(exitChannel, os.Interrupt, syscall.SIGTERM)

	<-exitChannel
	log.Emit(logger.STOP, "Interrupt received, shutting down...\n")
	cancel()
}

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "config.yaml"
	}

	return filepath.Join(home, ".config", "scrub", "config.yaml")
}
