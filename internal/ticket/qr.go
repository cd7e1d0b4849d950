package ticket

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// PNGQREncoder renders QR codes as square PNG images
type PNGQREncoder struct {
	size  int
	level qrcode.RecoveryLevel
}

// NewPNGQREncoder creates an encoder producing size x size images
func NewPNGQREncoder(size int) *PNGQREncoder {
	if size <= 0 {
		size = 256
	}
	return &PNGQREncoder{
		size:  size,
		level: qrcode.Medium,
	}
}

// Encode returns the PNG bytes of the QR for payload
func (e *PNGQREncoder) Encode(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty QR payload")
	}
	png, err := qrcode.Encode(payload, e.level, e.size)
	if err != nil {
		return nil, fmt.Errorf("encoding QR: %w", err)
	}
	return png, nil
}
