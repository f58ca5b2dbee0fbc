package gatekeeper

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// QRSize is the edge length, in pixels, of login QR codes.
const QRSize = 256

// QRCode renders url as a PNG so the login link can be scanned from
// another device.
func QRCode(url string) ([]byte, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, QRSize)
	if err != nil {
		return nil, fmt.Errorf("encode login qr: %w", err)
	}
	return png, nil
}
