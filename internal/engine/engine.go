// Package engine implements the ceremony engine (spec §4.4, C4): trusted
// facets, registration, signing, and device administration. It depends only
// on repository pointers, the txstore.Store and attestation.Resolver
// interfaces, and u2f.Primitives, so it can be exercised in tests against an
// in-memory sqlite *db.DB and a fake Primitives implementation — the same
// shape of dependency the teacher's services take on repositories and
// external collaborators.
package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/yubico/u2fval/internal/attestation"
	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/platform/observability"
	"github.com/yubico/u2fval/internal/repositories"
	"github.com/yubico/u2fval/internal/txstore"
	"github.com/yubico/u2fval/internal/u2f"
	"github.com/yubico/u2fval/internal/utils"
)

// MaxUserNameBytes is the accepted user-name length; names over this are
// rejected outright rather than hashed (spec.md §9 Open Question,
// resolved in DESIGN.md).
const MaxUserNameBytes = 40

// Config holds the engine's policy options. Transaction capacity and TTL
// are not engine options; they configure the txstore.Store handed to New.
type Config struct {
	AllowUntrusted bool
}

// Engine ties together the persistent store, the transaction store, the
// attestation resolver, and the U2F primitive library.
type Engine struct {
	db           *db.DB
	clients      *repositories.ClientRepository
	users        *repositories.UserRepository
	certificates *repositories.CertificateRepository
	devices      *repositories.DeviceRepository
	store        txstore.Store
	attestation  attestation.Resolver
	u2f          u2f.Primitives
	config       Config
	logger       *utils.Logger
}

// New builds an Engine from its collaborators.
func New(pgDB *db.DB, store txstore.Store, resolver attestation.Resolver, primitives u2f.Primitives, logger *utils.Logger, config Config) *Engine {
	return &Engine{
		db:           pgDB,
		clients:      repositories.NewClientRepository(pgDB),
		users:        repositories.NewUserRepository(pgDB),
		certificates: repositories.NewCertificateRepository(pgDB),
		devices:      repositories.NewDeviceRepository(pgDB),
		store:        store,
		attestation:  resolver,
		u2f:          primitives,
		config:       config,
		logger:       logger,
	}
}

// ResolveClient looks up a client by its external name, the identity the
// request router's client-identity middleware extracts from the trusted
// header (spec §4.5).
func (e *Engine) ResolveClient(ctx context.Context, name string) (*db.Client, error) {
	client, err := e.clients.GetByName(e.db, name)
	if err != nil {
		if err == repositories.ErrNotFound {
			return nil, notFound("unknown client")
		}
		return nil, e.internalError(fmt.Errorf("failed to resolve client: %w", err))
	}
	return client, nil
}

// TrustedFacets returns the trusted-facets response for a client (spec
// §4.4.1).
func (e *Engine) TrustedFacets(client *db.Client) TrustedFacets {
	return TrustedFacets{TrustedFacets: []FacetEntry{{Version: FacetVersion{Major: 1, Minor: 0}, IDs: client.ValidFacets}}}
}

// recordCeremony increments the attempt counter for a register/sign
// operation and, on failure, the error counter labeled with the engine
// error code (CodeInternal for anything that isn't a *Error, which should
// not happen since every exported ceremony method returns one).
func recordCeremony(operation string, err error) {
	m := observability.GetMetrics()
	m.CeremonyAttemptsTotal.WithLabelValues(operation).Inc()
	if err == nil {
		return
	}
	code := CodeInternal
	if engErr, ok := err.(*Error); ok {
		code = engErr.Code
	}
	m.CeremonyErrorsTotal.WithLabelValues(operation, strconv.Itoa(code)).Inc()
}

func validateUserName(name string) error {
	if name == "" {
		return badInput("missing user name")
	}
	if len(name) > MaxUserNameBytes {
		return badInput("user name too long")
	}
	return nil
}

// buildDescriptor loads a device's properties and resolves its attestation
// metadata to produce the client-facing descriptor.
func (e *Engine) buildDescriptor(q db.Queryer, d *db.Device) (DeviceDescriptor, error) {
	props, err := e.devices.GetProperties(q, d.ID)
	if err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to load device properties: %w", err))
	}
	if props == nil {
		props = map[string]string{}
	}

	var meta *attestation.Metadata
	cert, err := e.certificates.GetByID(q, d.CertificateID)
	if err != nil && err != repositories.ErrNotFound {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to load certificate: %w", err))
	}
	if cert != nil {
		if rec, ok := e.attestation.GetAttestation(cert.DER); ok {
			meta = e.attestation.GetMetadata(rec)
		}
	}

	return newDescriptor(d, meta, props), nil
}

func (e *Engine) buildDescriptors(q db.Queryer, devices []*db.Device) ([]DeviceDescriptor, error) {
	out := make([]DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		desc, err := e.buildDescriptor(q, d)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

// mergeProperties applies the null-deletion precedence of spec §4.4.6:
// base values first, overlay second, with a nil overlay value deleting a
// key that base may have set.
func mergeProperties(base map[string]string, overlay map[string]*string) map[string]*string {
	out := make(map[string]*string, len(base)+len(overlay))
	for k, v := range base {
		val := v
		out[k] = &val
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
