// Package delivery gets a credential request's deep link in front of the
// user: a browser tab, a named popup or a QR code.
package delivery

import "errors"

// Target selects how a window is opened.
type Target string

const (
	TargetTab   Target = "tab"
	TargetPopup Target = "popup"
)

// Popup geometry used for Android hand-off.
const (
	PopupName   = "klip-popup"
	PopupWidth  = 400
	PopupHeight = 600
)

var (
	// ErrPopupBlocked is returned when the browser refused to open a window.
	ErrPopupBlocked = errors.New("delivery window was blocked")
	// ErrNoOpener is returned when a window is required but none can be opened.
	ErrNoOpener = errors.New("no window opener configured")
)

// WindowSpec describes the window an Opener must create.
type WindowSpec struct {
	URL    string `json:"url"`
	Target Target `json:"target"`
	Name   string `json:"name,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Window is an externally opened surface. The adapter is its only owner;
// everyone else may only ask whether it is closed.
type Window interface {
	Closed() bool
	Close()
}

// Opener creates windows. Implementations return ErrPopupBlocked (or a nil
// Window) when the browser blocks the open.
type Opener interface {
	Open(spec WindowSpec) (Window, error)
}
