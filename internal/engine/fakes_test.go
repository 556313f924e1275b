package engine

import (
	"encoding/json"

	"github.com/yubico/u2fval/internal/attestation"
	"github.com/yubico/u2fval/internal/u2f"
)

// fakePrimitives is a scriptable stand-in for u2f.Primitives, letting the
// engine's transaction bookkeeping, property-merge, and counter-regression
// logic be exercised without real ECDSA ceremonies (spec.md §9's
// "framework exception-as-control-flow" note: split the engine from the
// primitive library under test).
type fakePrimitives struct {
	registerErr  error
	authErr      error
	keyHandle    []byte
	certDER      []byte
	counter      uint32
	presence     byte
}

func newFakePrimitives() *fakePrimitives {
	return &fakePrimitives{
		keyHandle: []byte("fake-key-handle"),
		certDER:   []byte("fake-cert-der"),
		presence:  1,
	}
}

func (f *fakePrimitives) MintChallenge(provided []byte) []byte {
	if len(provided) > 0 {
		return provided
	}
	return []byte("fixed-test-challenge-bytes-32!!!")
}

func (f *fakePrimitives) NewRegisterRequest(challenge []byte) u2f.RegisterRequest {
	return u2f.RegisterRequest{Version: "U2F_V2", Challenge: challenge}
}

func (f *fakePrimitives) NewSignRequest(appID string, challenge, keyHandle []byte) u2f.SignRequest {
	return u2f.SignRequest{Version: "U2F_V2", AppID: appID}
}

// bindDataShape mirrors u2f's private bindData JSON shape so fakePrimitives
// can hand the engine a blob that u2f.BindDataKeyHandle can parse back.
type bindDataShape struct {
	PublicKey    []byte `json:"publicKey"`
	KeyHandle    []byte `json:"keyHandle"`
	AppParamHash []byte `json:"appParamHash"`
}

func (f *fakePrimitives) VerifyRegistration(challenge []byte, appID string, facets []string, resp u2f.RegisterResponse) ([]byte, []byte, error) {
	if f.registerErr != nil {
		return nil, nil, f.registerErr
	}
	blob, err := json.Marshal(bindDataShape{KeyHandle: f.keyHandle, AppParamHash: []byte("fake-app-param-hash")})
	if err != nil {
		return nil, nil, err
	}
	return blob, f.certDER, nil
}

func (f *fakePrimitives) VerifyAuthentication(bindData []byte, appID string, challenge []byte, facets []string, resp u2f.SignResponse) (uint32, byte, error) {
	if f.authErr != nil {
		return 0, 0, f.authErr
	}
	return f.counter, f.presence, nil
}

// fakeResolver is a scriptable stand-in for attestation.Resolver.
type fakeResolver struct {
	trusted bool
	record  *attestation.Record
}

func newFakeResolver(trusted bool) *fakeResolver {
	return &fakeResolver{trusted: trusted, record: &attestation.Record{Trusted: trusted}}
}

func (f *fakeResolver) GetAttestation(der []byte) (*attestation.Record, bool) {
	return f.record, f.trusted
}

func (f *fakeResolver) GetMetadata(r *attestation.Record) *attestation.Metadata {
	if r == nil || (r.VendorInfo == nil && r.DeviceInfo == nil) {
		return nil
	}
	return &attestation.Metadata{Vendor: r.VendorInfo, Device: r.DeviceInfo}
}
