package config

import "runtime"

// Platform describes the detected host platform.
type Platform struct {
	OS   string `json:"os"`   // "darwin", "linux" or "windows"
	Arch string `json:"arch"` // "arm64" or "amd64"

	// PlayCover reports whether the PlayCover controller can be built here.
	PlayCover bool `json:"playcover"`
}

// DetectPlatform detects the host platform.
func DetectPlatform() *Platform {
	return &Platform{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		PlayCover: runtime.GOOS == "darwin",
	}
}
