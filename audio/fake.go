package audio

import (
	"sync"
	"time"
)

// FakeBackend is a scripted Backend for tests. Sources are pre-created so
// tests can hold a handle and push PCM through the callback by hand.
type FakeBackend struct {
	Mic        *FakeSource
	Sys        *FakeSource
	SysErr     error // returned by SystemAudio when set
	DeviceList []DeviceInfo

	mu     sync.Mutex
	closed bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Mic: NewFakeSource(),
		Sys: NewFakeSource(),
	}
}

func (f *FakeBackend) Devices() ([]DeviceInfo, error) {
	return f.DeviceList, nil
}

func (f *FakeBackend) Microphone(_ *DeviceInfo, _ CaptureConfig) (Source, error) {
	return f.Mic, nil
}

func (f *FakeBackend) SystemAudio(_ CaptureConfig) (Source, error) {
	if f.SysErr != nil {
		return nil, f.SysErr
	}
	return f.Sys, nil
}

func (f *FakeBackend) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *FakeBackend) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type FakeSource struct {
	StartErr   error
	StartDelay time.Duration // simulates a slow device handshake

	mu      sync.Mutex
	cb      DataCallback
	started bool
	stops   int
}

func NewFakeSource() *FakeSource {
	return &FakeSource{}
}

func (f *FakeSource) Start() error {
	if f.StartDelay > 0 {
		time.Sleep(f.StartDelay)
	}
	if f.StartErr != nil {
		return f.StartErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *FakeSource) Stop() {
	f.mu.Lock()
	f.started = false
	f.stops++
	f.mu.Unlock()
}

func (f *FakeSource) Close() {}

func (f *FakeSource) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeSource) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

// Emit pushes PCM through the registered callback, as the platform's
// capture thread would. No-op while no callback is set.
func (f *FakeSource) Emit(data []byte) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(data, uint32(len(data)/2))
	}
}

func (f *FakeSource) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *FakeSource) StopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
