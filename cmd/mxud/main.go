// mxud is the mxu daemon. It owns the engine, every instance and the
// download manager, and serves them over an HTTP API on a unix socket.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/xfeldman/mxu/internal/api"
	"github.com/xfeldman/mxu/internal/bridge"
	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/registry"
	"github.com/xfeldman/mxu/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	platform := config.DetectPlatform()
	log.Printf("mxud %s starting on %s/%s", version.Version(), platform.OS, platform.Arch)

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	defer reg.Close()
	log.Printf("registry: %s", cfg.DBPath)

	state := bridge.New(cfg)
	state.SetRegistry(reg)

	// The engine can also be loaded later through POST /v1/init.
	if ver, err := state.Init(""); err != nil {
		log.Printf("engine not loaded from %s: %v", cfg.LibDir, err)
	} else {
		log.Printf("engine %s loaded", ver)
	}

	server := api.NewServer(state, cfg.SocketPath)
	if err := server.Start(); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	pidPath := filepath.Join(cfg.DataDir, "mxud.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("mxud ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	// Agents, taskers, controllers and resources, in that order.
	state.Shutdown()

	os.Remove(cfg.SocketPath)
	log.Println("mxud stopped")
}

// configPath returns $MXU_CONFIG, or ~/.mxu/config.yaml.
func configPath() string {
	if p := os.Getenv("MXU_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mxu", "config.yaml")
}
