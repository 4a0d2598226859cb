package delivery

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

// QRPayload is the desktop delivery: the deep link rendered in-page as a QR code.
type QRPayload struct {
	Content string `json:"content"`
}

// NewQRPayload wraps a deep link for QR rendering.
func NewQRPayload(content string) *QRPayload {
	return &QRPayload{Content: content}
}

// PNG encodes the payload as a square PNG image of size pixels.
func (q *QRPayload) PNG(size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(q.Content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encoding QR code: %w", err)
	}
	return png, nil
}

// Terminal renders the payload with unicode half blocks for a terminal.
func (q *QRPayload) Terminal() (string, error) {
	qr, err := qrcode.New(q.Content, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("creating QR code: %w", err)
	}
	return qr.ToSmallString(false), nil
}
