package ticket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// PayloadType identifies the structured credential wire format.
const PayloadType = "EVENT_TICKET"

// ErrUnparseable is returned when no decode strategy can extract a ticket
// reference from a payload. Callers surface it as an invalid credential.
var ErrUnparseable = errors.New("credential payload unparseable")

// Credential is the payload embedded in the QR code.
type Credential struct {
	TicketID      string    `json:"ticketId"`
	EventID       string    `json:"eventId"`
	ParticipantID string    `json:"participantId"`
	GeneratedAt   time.Time `json:"generatedAt"`
	Type          string    `json:"type"`
}

// Encode serialises a credential to its JSON wire form.
func Encode(ticketID, eventID, participantID string) (string, error) {
	cred := Credential{
		TicketID:      ticketID,
		EventID:       eventID,
		ParticipantID: participantID,
		GeneratedAt:   time.Now().UTC(),
		Type:          PayloadType,
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	return string(raw), nil
}

// EncodeImage renders the payload as a PNG QR code and returns it as a
// base64 data URI suitable for embedding in mail and API responses.
func EncodeImage(payload string, sizePixels int) (string, error) {
	if sizePixels <= 0 {
		sizePixels = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, sizePixels)
	if err != nil {
		return "", fmt.Errorf("render qr image: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Decode extracts a credential from a raw scanned payload. Strategies are
// tried in order: the structured JSON format, the legacy "eventId|ticketId"
// delimited format, then a bare ticket ID. The bare path only accepts strings
// matching the ticket ID format so arbitrary garbage stays unparseable.
func Decode(raw string) (*Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnparseable
	}

	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err == nil && cred.TicketID != "" {
		return &cred, nil
	}

	if strings.Contains(raw, "|") {
		parts := strings.Split(raw, "|")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return &Credential{EventID: parts[0], TicketID: parts[1]}, nil
		}
		return nil, ErrUnparseable
	}

	if ValidID(raw) {
		return &Credential{TicketID: raw}, nil
	}

	return nil, ErrUnparseable
}
