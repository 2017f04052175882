package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// Challenge is the current pairing challenge of a session, rendered as a
// scannable PNG data URL.
type Challenge struct {
	SessionID string `json:"sessionId"`
	Challenge string `json:"challenge"`
	QR        string `json:"qr"`
}

// PairingChallenge returns the challenge a user must scan to pair id.
func (s *Service) PairingChallenge(id string) (Challenge, error) {
	e, ok := s.registry.get(id)
	if !ok {
		return Challenge{}, ErrNotFound
	}

	e.mu.RLock()
	challenge := e.challenge
	e.mu.RUnlock()
	if challenge == "" {
		return Challenge{}, ErrNoPairingChallenge
	}

	qr, err := RenderQR(challenge)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{SessionID: id, Challenge: challenge, QR: qr}, nil
}

// RenderQR encodes content as a PNG QR code data URL.
func RenderQR(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
