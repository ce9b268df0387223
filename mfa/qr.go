package mfa

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// QRSize is the rendered image edge in pixels.
const QRSize = 256

// QRDataURI renders content as a PNG QR code wrapped in a data: URI.
func QRDataURI(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, QRSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
