package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sweeney/pdu-mqtt/internal/bridge"
	"github.com/sweeney/pdu-mqtt/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to optional TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, "/etc/pdu-mqtt/config.toml", "./config.toml")
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(1)
	}

	log.Printf("pdu-mqtt starting (mqtt=%s:%d poll=%.1fs mock=%v retention=%dd)",
		cfg.MQTT.Broker, cfg.MQTT.Port, cfg.Bridge.PollIntervalSec,
		cfg.Bridge.MockMode, cfg.History.RetentionDays)

	manager, err := bridge.New(cfg)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	manager.Run(ctx)
}
