package db

import "time"

// Client is a relying party delegating its U2F ceremonies to this service.
// Created and mutated externally (cmd/u2fvalctl); deleting one cascades its
// users, devices, properties, and transactions.
type Client struct {
	ID          int64
	Name        string
	AppID       string
	ValidFacets []string
	CreatedAt   time.Time
}

// User is an end-user scoped to one client, created lazily the first time
// a registration is started for it.
type User struct {
	ID       int64
	ClientID int64
	Name     string
}

// Certificate is an X.509 attestation certificate, deduplicated across
// devices by its DER fingerprint.
type Certificate struct {
	ID          int64
	Fingerprint string
	DER         []byte
}

// Device is a registered security key belonging to one user.
type Device struct {
	ID              int64
	Handle          string
	UserID          int64
	BindData        []byte
	CertificateID   int64
	Compromised     bool
	Counter         *uint32
	Transports      uint8
	CreatedAt       time.Time
	AuthenticatedAt *time.Time
}

// Property is a (key, value) pair scoped to one device.
type Property struct {
	DeviceID int64
	Key      string
	Value    string
}

// Transaction is a pending ceremony, keyed by hex(SHA-256(challenge)).
type Transaction struct {
	ID            int64
	UserID        int64
	TransactionID string
	Data          []byte
	CreatedAt     time.Time
}

// Transport bits, OR'd together in Device.Transports.
const (
	TransportUSB uint8 = 1 << iota
	TransportNFC
	TransportBLE
	TransportInternal
)

var transportNames = []struct {
	bit  uint8
	name string
}{
	{TransportUSB, "usb"},
	{TransportNFC, "nfc"},
	{TransportBLE, "ble"},
	{TransportInternal, "internal"},
}

// TransportsToStrings decodes a transport bitmask into its wire names.
func TransportsToStrings(mask uint8) []string {
	var out []string
	for _, t := range transportNames {
		if mask&t.bit != 0 {
			out = append(out, t.name)
		}
	}
	return out
}

// TransportsFromStrings encodes wire transport names into a bitmask.
// Unrecognized names are ignored.
func TransportsFromStrings(names []string) uint8 {
	var mask uint8
	for _, n := range names {
		for _, t := range transportNames {
			if t.name == n {
				mask |= t.bit
			}
		}
	}
	return mask
}
