//go:build uifrontend

// mxu-ui is the desktop app. It runs the mxu state in-process, binds it to
// the webview as a Wails service, and forwards every bus event to the
// frontend under the same name the API stream uses.
package main

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/wailsapp/wails/v3/pkg/application"

	"github.com/xfeldman/mxu/internal/bridge"
	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/registry"
	uiFS "github.com/xfeldman/mxu/ui"
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

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}

	state := bridge.New(cfg)
	state.SetRegistry(reg)

	distFS, err := fs.Sub(uiFS.Frontend, "frontend/dist")
	if err != nil {
		log.Fatalf("embedded frontend not found: %v", err)
	}

	app := application.New(application.Options{
		Name: "MXU",
		Services: []application.Service{
			application.NewService(state),
		},
		Assets: application.AssetOptions{
			Handler: application.AssetFileServerFS(distFS),
		},
		OnShutdown: func() {
			// Children must not outlive the window.
			state.Shutdown()
			reg.Close()
		},
	})

	window := app.Window.NewWithOptions(application.WebviewWindowOptions{
		Title:  "MXU",
		URL:    "/",
		Width:  1100,
		Height: 720,
	})

	go forwardEvents(app, state)
	setupSystemTray(app, window, state)

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

// forwardEvents relays the bus to the webview until the bus closes.
func forwardEvents(app *application.App, state *bridge.State) {
	ch, unsub := state.Bus.Subscribe()
	defer unsub()
	for msg := range ch {
		app.Event.Emit(msg.Name, msg.Payload)
	}
}

func configPath() string {
	if p := os.Getenv("MXU_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mxu", "config.yaml")
}
