// Package hotkey raises the global record toggle (Ctrl+Shift+Space) even
// when the terminal running the TUI is unfocused. A meeting usually starts
// with some other window in front.
package hotkey

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}
