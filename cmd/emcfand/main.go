package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"emcfan/internal/config"
	"emcfan/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/emcfan/emcfan.yaml", "Path to YAML config")
	flag.Parse()

	logs := web.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, logs)
	if err != nil {
		log.Fatalf("emcfand init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("emcfand starting config=%s", configPath)
	rt.logConfig()

	if err := rt.start(ctx, cancel); err != nil {
		log.Fatalf("emcfand start failed: %v", err)
	}

	<-ctx.Done()
	log.Printf("emcfand stopping")
}
