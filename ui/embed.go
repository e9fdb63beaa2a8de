//go:build uifrontend

// Package ui embeds the desktop frontend.
package ui

import "embed"

// Frontend holds the built frontend under frontend/dist/.
//
//go:embed all:frontend/dist
var Frontend embed.FS
