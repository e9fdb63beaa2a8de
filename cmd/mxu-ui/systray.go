//go:build uifrontend

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/wailsapp/wails/v3/pkg/application"
	"github.com/wailsapp/wails/v3/pkg/events"

	"github.com/xfeldman/mxu/internal/bridge"
	"github.com/xfeldman/mxu/internal/lifecycle"
)

// setupSystemTray adds a tray icon that toggles the window and lists
// instances. Closing the window hides it; quitting goes through the menu
// so instances are torn down.
func setupSystemTray(app *application.App, window *application.WebviewWindow, state *bridge.State) {
	tray := app.SystemTray.New()
	tray.SetTemplateIcon(generateTrayIcon())
	tray.SetTooltip("MXU")
	tray.SetMenu(buildTrayMenu(app, window, state, nil))

	tray.OnClick(func() {
		if window.IsVisible() {
			window.Hide()
		} else {
			window.Show()
		}
	})

	window.RegisterHook(events.Common.WindowClosing, func(e *application.WindowEvent) {
		e.Cancel()
		window.Hide()
	})

	// Instance changes are rare; a slow poll keeps the menu current.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			tray.SetMenu(buildTrayMenu(app, window, state, state.Instances.States()))
		}
	}()
}

func buildTrayMenu(app *application.App, window *application.WebviewWindow, state *bridge.State, states map[string]lifecycle.InstanceState) *application.Menu {
	menu := application.NewMenu()

	menu.Add("Show MXU").OnClick(func(ctx *application.Context) {
		window.Show()
	})
	menu.AddSeparator()

	if len(states) == 0 {
		menu.Add("No instances").SetEnabled(false)
	} else {
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			st := states[id]
			item := menu.Add(fmt.Sprintf("%s %s", indicator(st), id))
			if st.Running {
				id := id
				item.OnClick(func(ctx *application.Context) {
					state.Stop(id)
				})
			}
		}
	}

	menu.AddSeparator()
	menu.Add("Quit MXU").OnClick(func(ctx *application.Context) {
		app.Quit()
	})
	return menu
}

// indicator is a filled dot while tasks run, a ring when connected, and a
// dotted circle otherwise.
func indicator(st lifecycle.InstanceState) string {
	switch {
	case st.Running:
		return "●"
	case st.Connected:
		return "○"
	default:
		return "◌"
	}
}
