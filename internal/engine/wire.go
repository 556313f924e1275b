package engine

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/yubico/u2fval/internal/attestation"
	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/u2f"
)

// b64 round-trips a challenge as the web-safe base64 the U2F wire contract
// requires (spec §6), reusing go-webauthn's JSON codec the same way
// internal/u2f does.
type b64 = protocol.URLEncodedBase64

// TrustedFacets is the response to GET / (spec §4.4.1, §6).
type TrustedFacets struct {
	TrustedFacets []FacetEntry `json:"trustedFacets"`
}

// FacetEntry pins one client's valid facet list to a protocol version.
type FacetEntry struct {
	Version FacetVersion `json:"version"`
	IDs     []string     `json:"ids"`
}

// FacetVersion is always {1,0} for FIDO 1.2 / U2F.
type FacetVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// DeviceDescriptor is the client-facing projection of a device (spec §6).
type DeviceDescriptor struct {
	Handle      string                `json:"handle"`
	Transports  []string              `json:"transports"`
	Compromised bool                  `json:"compromised"`
	Created     time.Time             `json:"created"`
	LastUsed    *time.Time            `json:"lastUsed"`
	Properties  map[string]string     `json:"properties"`
	Metadata    *attestation.Metadata `json:"metadata,omitempty"`
}

// RegisterRequestDTO is the response to GET /{user}/register (spec §4.4.2).
type RegisterRequestDTO struct {
	AppID            string              `json:"appId"`
	RegisterRequests []u2f.RegisterRequest `json:"registerRequests"`
	RegisteredKeys   []u2f.RegisteredKey   `json:"registeredKeys"`
	Descriptors      []DeviceDescriptor    `json:"descriptors"`
}

// SignRequestDTO is the response to GET /{user}/sign (spec §4.4.4).
type SignRequestDTO struct {
	AppID          string              `json:"appId"`
	Challenge      b64                 `json:"challenge"`
	RegisteredKeys []u2f.RegisteredKey `json:"registeredKeys"`
	Descriptors    []DeviceDescriptor  `json:"descriptors"`
}

// RegisterCompleteRequest is the POST /{user}/register request body.
type RegisterCompleteRequest struct {
	RegisterResponse u2f.RegisterResponse `json:"registerResponse"`
	Properties       map[string]*string   `json:"properties,omitempty"`
}

// SignCompleteRequest is the POST /{user}/sign request body.
type SignCompleteRequest struct {
	SignResponse u2f.SignResponse   `json:"signResponse"`
	Properties   map[string]*string `json:"properties,omitempty"`
}

func newDescriptor(d *db.Device, meta *attestation.Metadata, properties map[string]string) DeviceDescriptor {
	return DeviceDescriptor{
		Handle:      d.Handle,
		Transports:  db.TransportsToStrings(d.Transports),
		Compromised: d.Compromised,
		Created:     d.CreatedAt,
		LastUsed:    d.AuthenticatedAt,
		Properties:  properties,
		Metadata:    meta,
	}
}
