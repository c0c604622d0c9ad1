// Package audio abstracts platform capture. A Backend hands out two kinds
// of Source: the microphone and, where the platform supports loopback, the
// system playback audio. Sources deliver little-endian 16-bit mono PCM.
package audio

import (
	"errors"
	"strings"
)

// ErrNoSystemAudio means this platform (or this audio server) cannot
// provide a playback loopback. Recording proceeds microphone-only.
var ErrNoSystemAudio = errors.New("audio: system audio capture unavailable")

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name. Bluetooth headsets drop to a
// low-quality codec while their mic is open, worth warning about.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

// Backend is the platform entry point. Implementations: PulseAudio on
// Linux, malgo elsewhere, FakeBackend in tests.
type Backend interface {
	Devices() ([]DeviceInfo, error)
	// Microphone opens a capture source; nil device means platform default.
	Microphone(device *DeviceInfo, config CaptureConfig) (Source, error)
	// SystemAudio opens a loopback of what the machine is playing.
	// Returns ErrNoSystemAudio when the platform cannot provide one.
	SystemAudio(config CaptureConfig) (Source, error)
	Close()
}

type Source interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
}
