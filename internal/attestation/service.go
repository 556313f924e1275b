// Package attestation implements the attestation service (spec §4.3, C3):
// resolving a device's attestation certificate to a trust verdict and
// vendor/device metadata, cached by certificate fingerprint.
package attestation

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yubico/u2fval/internal/platform/observability"
)

// Record is the resolved verdict for one attestation certificate.
type Record struct {
	Trusted    bool
	VendorInfo map[string]string
	DeviceInfo map[string]string
	Transports uint8
}

// Metadata is the vendor/device projection suitable for inclusion in a
// device descriptor (spec §4.3's get_metadata).
type Metadata struct {
	Vendor map[string]string `json:"vendor,omitempty"`
	Device map[string]string `json:"device,omitempty"`
}

// notFound is the distinguished sentinel cached for certificates with no
// matching metadata entry, so repeated lookups for unknown devices don't
// keep missing the cache (spec §4.3).
var notFound = &Record{}

// Resolver is the interface the ceremony engine depends on; Service is its
// concrete, cached implementation.
type Resolver interface {
	GetAttestation(der []byte) (*Record, bool)
	GetMetadata(r *Record) *Metadata
}

// Service resolves attestation certificates against a metadata set loaded
// once at startup, caching results in a bounded LRU keyed by fingerprint.
type Service struct {
	cache    *lru.Cache[string, *Record]
	metadata map[string]*Record // keyed by hex(SHA-256(der))
}

// DefaultCacheSize bounds the attestation cache (spec §4.3, §5).
const DefaultCacheSize = 1024

// NewService builds a Service over a pre-loaded metadata set (see
// LoadMetadata). A nil or empty set makes every certificate resolve to "no
// record", which register_complete treats as untrusted unless
// allow_untrusted is set.
func NewService(metadata map[string]*Record) (*Service, error) {
	cache, err := lru.New[string, *Record](DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]*Record{}
	}
	return &Service{cache: cache, metadata: metadata}, nil
}

// GetAttestation resolves a DER-encoded certificate to its attestation
// record. The second return value is false when no trust record exists for
// this certificate (still cached, via the notFound sentinel).
func (s *Service) GetAttestation(der []byte) (*Record, bool) {
	m := observability.GetMetrics()
	fp := fingerprint(der)
	if rec, ok := s.cache.Get(fp); ok {
		m.AttestationCacheHits.Inc()
		if rec == notFound {
			return nil, false
		}
		return rec, true
	}

	m.AttestationCacheMisses.Inc()
	rec, ok := s.metadata[fp]
	if !ok {
		s.cache.Add(fp, notFound)
		return nil, false
	}
	s.cache.Add(fp, rec)
	return rec, true
}

// GetMetadata derives the wire-facing vendor/device projection from an
// attestation record, or nil if none was resolved.
func (s *Service) GetMetadata(r *Record) *Metadata {
	if r == nil {
		return nil
	}
	if r.VendorInfo == nil && r.DeviceInfo == nil {
		return nil
	}
	return &Metadata{Vendor: r.VendorInfo, Device: r.DeviceInfo}
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
