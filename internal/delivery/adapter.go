package delivery

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

// Delivery is the outcome of one Deliver call. Window is set for tab and
// popup channels, QR for the desktop channel.
type Delivery struct {
	RequestID string         `json:"request_id"`
	Channel   domain.Channel `json:"channel"`
	Window    Window         `json:"-"`
	Spec      *WindowSpec    `json:"window,omitempty"`
	QR        *QRPayload     `json:"qr,omitempty"`
	// Grace is how long a popup stays open before it is closed for the user.
	// Zero means no forced close.
	Grace time.Duration `json:"grace,omitempty"`
}

// HasWindow reports whether the delivery produced a live window.
func (d *Delivery) HasWindow() bool {
	return d != nil && d.Window != nil
}

// Adapter owns at most one live window at a time.
type Adapter struct {
	opener Opener
	grace  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	current Window
}

// NewAdapter creates an adapter. opener may be nil for QR-only hosts.
func NewAdapter(opener Opener, grace time.Duration, logger *zap.Logger) *Adapter {
	return &Adapter{
		opener: opener,
		grace:  grace,
		logger: logger.Named("delivery"),
	}
}

// Deliver presents req on the channel matching profile. Any window held from
// an earlier delivery is closed before a new one is opened, under one lock.
func (a *Adapter) Deliver(req *domain.CredentialRequest, profile domain.DeviceProfile) (*Delivery, error) {
	if req == nil {
		return nil, domain.NewError(domain.KindProtocol, "deliver", domain.ErrMissingRequestID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseLocked()

	d := &Delivery{
		RequestID: req.RequestID,
		Channel:   profile.Channel(),
	}

	var spec WindowSpec
	switch d.Channel {
	case domain.ChannelQR:
		d.QR = NewQRPayload(req.DeepLink)
		a.logger.Debug("Delivering as QR code", zap.String("request_id", req.RequestID))
		return d, nil
	case domain.ChannelTab:
		spec = WindowSpec{URL: req.DeepLink, Target: TargetTab}
	default:
		spec = WindowSpec{
			URL:    req.DeepLink,
			Target: TargetPopup,
			Name:   PopupName,
			Width:  PopupWidth,
			Height: PopupHeight,
		}
		d.Grace = a.grace
	}

	if a.opener == nil {
		return nil, domain.NewError(domain.KindProtocol, "deliver", ErrNoOpener)
	}

	w, err := a.opener.Open(spec)
	if err != nil {
		if errors.Is(err, ErrPopupBlocked) {
			a.logger.Info("Delivery window blocked", zap.String("request_id", req.RequestID))
			return nil, domain.NewError(domain.KindPopupBlocked, "deliver", err)
		}
		return nil, domain.NewError(domain.KindNetwork, "deliver", err)
	}
	if w == nil {
		a.logger.Info("Delivery window blocked", zap.String("request_id", req.RequestID))
		return nil, domain.NewError(domain.KindPopupBlocked, "deliver", ErrPopupBlocked)
	}

	a.current = w
	d.Window = w
	d.Spec = &spec

	a.logger.Debug("Delivery window opened",
		zap.String("request_id", req.RequestID),
		zap.String("target", string(spec.Target)))
	return d, nil
}

// Release closes and drops the held window. It reports whether a window was held.
func (a *Adapter) Release() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked()
}

// ReleaseIf closes the held window only if it is still w.
func (a *Adapter) ReleaseIf(w Window) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w == nil || a.current != w {
		return false
	}
	return a.releaseLocked()
}

func (a *Adapter) releaseLocked() bool {
	if a.current == nil {
		return false
	}
	w := a.current
	a.current = nil
	if !w.Closed() {
		w.Close()
	}
	return true
}

// Current returns the held window, or nil.
func (a *Adapter) Current() Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
