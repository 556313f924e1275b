// Package u2f implements the U2F (FIDO 1.2) primitive library that spec.md
// §1 treats as an external black-box collaborator: challenge minting,
// register/sign request construction, client-data parsing, and
// registration/signature verification. The ceremony engine (internal/engine)
// depends only on the Primitives interface below.
package u2f

import (
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
)

// b64 is the JSON-safe base64url byte type every U2F wire field uses,
// reused from go-webauthn's protocol package — the U2F ClientData envelope
// (typ/challenge/origin) is structurally the same shape WebAuthn's
// CollectedClientData uses, though the ceremony verified here is U2F, not
// WebAuthn (spec §1 Non-goal).
type b64 = protocol.URLEncodedBase64

// RegisterRequest is one challenge offered to the U2F client during
// registration (spec §6).
type RegisterRequest struct {
	Version   string `json:"version"`
	Challenge b64    `json:"challenge"`
}

// RegisteredKey describes one of a user's existing devices, included in
// both register and sign requests so the client can avoid re-registering a
// key, or can select among several for signing (spec §4.4.2, §4.4.4).
type RegisteredKey struct {
	Version    string   `json:"version"`
	KeyHandle  b64      `json:"keyHandle"`
	Transports []string `json:"transports,omitempty"`
	AppID      string   `json:"appId,omitempty"`
}

// SignRequest is the challenge + key-handle pair offered for one candidate
// device during signing.
type SignRequest struct {
	Version   string `json:"version"`
	Challenge b64    `json:"challenge"`
	KeyHandle b64    `json:"keyHandle"`
	AppID     string `json:"appId,omitempty"`
}

// ClientData is the JSON object the U2F client signs over, binding a
// response to its originating request (spec glossary "Facet").
type ClientData struct {
	Typ       string `json:"typ"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// ClientDataType values recognized in ClientData.Typ.
const (
	ClientDataTypeRegister = "navigator.id.finishEnrollment"
	ClientDataTypeAuth     = "navigator.id.getAssertion"
)

// RegisterResponse is the raw response body a U2F client posts back after a
// successful registration ceremony.
type RegisterResponse struct {
	RegistrationData b64 `json:"registrationData"`
	ClientData       b64 `json:"clientData"`
}

// SignResponse is the raw response body a U2F client posts back after a
// successful signing ceremony.
type SignResponse struct {
	KeyHandle     string `json:"keyHandle"`
	SignatureData b64    `json:"signatureData"`
	ClientData    b64    `json:"clientData"`
}

// ParseClientData parses and validates the structure of a ClientData JSON
// blob (already base64url-decoded from the wire), without yet checking its
// contents.
func ParseClientData(raw []byte) (*ClientData, error) {
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, &VerificationError{Reason: "malformed client data: " + err.Error()}
	}
	if cd.Typ == "" || cd.Challenge == "" || cd.Origin == "" {
		return nil, &VerificationError{Reason: "incomplete client data"}
	}
	return &cd, nil
}

// VerificationError is returned by every primitive verification failure;
// spec §7 maps all of these to BAD_INPUT.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string { return e.Reason }
