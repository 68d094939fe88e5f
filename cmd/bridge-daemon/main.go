package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lens-account/go-bridge/internal/composition/bridgeserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "127.0.0.1:8799", "control JSON-RPC listen address")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-Bridge-RPC-Token (optional)")
	transport := flag.String("transport", "", "Relay transport override: websocket | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("bridge-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcToken != "" {
		_ = os.Setenv("LENS_BRIDGE_RPC_TOKEN", *rpcToken)
	}
	if *transport != "" {
		_ = os.Setenv("LENS_BRIDGE_RELAY_TRANSPORT", *transport)
	}

	srv, err := bridgeserver.NewServer(ctx, *rpcAddr, *configPath)
	if err != nil {
		log.Fatalf("bridge-daemon failed to initialize: %v", err)
	}

	log.Println("bridge-daemon starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("bridge-daemon failed: %v", err)
	}
	log.Println("bridge-daemon stopped")
}
