package main

import (
	"context"
	"log"

	"github.com/spf13/pflag"

	"tender/internal/config"
	"tender/internal/daemonrun"
)

var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "", "Configuration file path")
	pflag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{Version: version}); err != nil {
		log.Fatalf("tenderd: %v", err)
	}
}
