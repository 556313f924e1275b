package u2f

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
)

// Primitives is the interface the ceremony engine depends on. The
// concrete Default implementation below is the "assumed available" black
// box of spec.md §1; engine tests drive the engine against a fake
// implementation instead, per spec.md §9's framework-exception-as-control-
// flow note ("split this").
type Primitives interface {
	MintChallenge(provided []byte) []byte
	NewRegisterRequest(challenge []byte) RegisterRequest
	NewSignRequest(appID string, challenge, keyHandle []byte) SignRequest
	VerifyRegistration(challenge []byte, appID string, facets []string, resp RegisterResponse) (bindData, certDER []byte, err error)
	VerifyAuthentication(bindData []byte, appID string, challenge []byte, facets []string, resp SignResponse) (counter uint32, userPresence byte, err error)
}

// Default is the concrete ECDSA P-256 / ASN.1 DER implementation of the U2F
// register/sign ceremonies, grounded on the verification-step structure of
// virtengine-virtengine's x/mfa/keeper FIDOVerifier and the device-side
// wire encoding in tillitis-tkey-fido's softhid.go.
type Default struct{}

// New returns the default U2F primitive implementation.
func New() *Default { return &Default{} }

// MintChallenge returns the caller-provided bytes verbatim, or 32 random
// bytes if none were supplied (spec §4.4.2, §4.4.4).
func (d *Default) MintChallenge(provided []byte) []byte {
	if len(provided) > 0 {
		return provided
	}
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

// NewRegisterRequest builds the per-challenge half of a registration
// request; the client's AppID is carried at the DTO level, not per-request.
func (d *Default) NewRegisterRequest(challenge []byte) RegisterRequest {
	return RegisterRequest{Version: "U2F_V2", Challenge: b64(challenge)}
}

// NewSignRequest builds one candidate-device sign request.
func (d *Default) NewSignRequest(appID string, challenge, keyHandle []byte) SignRequest {
	return SignRequest{Version: "U2F_V2", Challenge: b64(challenge), KeyHandle: b64(keyHandle), AppID: appID}
}

// bindData is the opaque blob persisted as Device.BindData — everything
// needed to verify later signatures without re-parsing the original
// attestation certificate (spec §3).
type bindData struct {
	PublicKey    []byte `json:"publicKey"`
	KeyHandle    []byte `json:"keyHandle"`
	AppParamHash []byte `json:"appParamHash"`
}

// BindDataKeyHandle extracts the key handle embedded in a device's opaque
// bind data blob, letting the ceremony engine build SignRequest and
// RegisteredKey entries without knowing the blob's internal shape.
func BindDataKeyHandle(blob []byte) ([]byte, error) {
	var bd bindData
	if err := json.Unmarshal(blob, &bd); err != nil {
		return nil, fmt.Errorf("corrupt bind data: %w", err)
	}
	return bd.KeyHandle, nil
}

// VerifyRegistration implements the FIDO 1.2 registration-response
// verification: parse and validate client data, parse the raw registration
// message (reserved byte, public key, key handle, attestation certificate,
// signature), and verify the signature over the app/client/key-handle/
// public-key tuple using the certificate's public key.
func (d *Default) VerifyRegistration(challenge []byte, appID string, facets []string, resp RegisterResponse) (bindDataOut, certDER []byte, err error) {
	clientDataJSON := []byte(resp.ClientData)
	cd, err := ParseClientData(clientDataJSON)
	if err != nil {
		return nil, nil, err
	}
	if cd.Typ != ClientDataTypeRegister {
		return nil, nil, &VerificationError{Reason: "unexpected client data type"}
	}
	if err := verifyChallenge(cd, challenge); err != nil {
		return nil, nil, err
	}
	if err := verifyFacet(cd, facets); err != nil {
		return nil, nil, err
	}

	raw := []byte(resp.RegistrationData)
	if len(raw) < 1+65+1 {
		return nil, nil, &VerificationError{Reason: "truncated registration data"}
	}
	if raw[0] != 0x05 {
		return nil, nil, &VerificationError{Reason: "unexpected registration reserved byte"}
	}
	pubKey := raw[1:66]
	keyHandleLen := int(raw[66])
	if len(raw) < 67+keyHandleLen {
		return nil, nil, &VerificationError{Reason: "truncated key handle"}
	}
	keyHandle := raw[67 : 67+keyHandleLen]
	rest := raw[67+keyHandleLen:]

	var certRaw asn1.RawValue
	sigBytes, err := asn1.Unmarshal(rest, &certRaw)
	if err != nil {
		return nil, nil, &VerificationError{Reason: "malformed attestation certificate: " + err.Error()}
	}
	certDER = certRaw.FullBytes

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, &VerificationError{Reason: "failed to parse attestation certificate: " + err.Error()}
	}

	appParamHash := sha256.Sum256([]byte(appID))
	clientDataHash := sha256.Sum256(clientDataJSON)

	signedData := make([]byte, 0, 1+32+32+keyHandleLen+65)
	signedData = append(signedData, 0x00)
	signedData = append(signedData, appParamHash[:]...)
	signedData = append(signedData, clientDataHash[:]...)
	signedData = append(signedData, keyHandle...)
	signedData = append(signedData, pubKey...)

	if err := verifyECDSASignature(cert.PublicKey, signedData, sigBytes); err != nil {
		return nil, nil, err
	}

	out, err := json.Marshal(bindData{PublicKey: pubKey, KeyHandle: keyHandle, AppParamHash: appParamHash[:]})
	if err != nil {
		return nil, nil, &VerificationError{Reason: "failed to encode bind data: " + err.Error()}
	}
	return out, certDER, nil
}

// VerifyAuthentication implements FIDO 1.2 signature verification: parse
// client data and the raw signature message (user-presence byte, counter,
// signature), and verify the signature over the app/presence/counter/
// client-data tuple using the device's bound public key.
func (d *Default) VerifyAuthentication(bindDataIn []byte, appID string, challenge []byte, facets []string, resp SignResponse) (counter uint32, userPresence byte, err error) {
	var bd bindData
	if err := json.Unmarshal(bindDataIn, &bd); err != nil {
		return 0, 0, &VerificationError{Reason: "corrupt bind data: " + err.Error()}
	}

	clientDataJSON := []byte(resp.ClientData)
	cd, err := ParseClientData(clientDataJSON)
	if err != nil {
		return 0, 0, err
	}
	if cd.Typ != ClientDataTypeAuth {
		return 0, 0, &VerificationError{Reason: "unexpected client data type"}
	}
	if err := verifyChallenge(cd, challenge); err != nil {
		return 0, 0, err
	}
	if err := verifyFacet(cd, facets); err != nil {
		return 0, 0, err
	}

	raw := []byte(resp.SignatureData)
	if len(raw) < 5 {
		return 0, 0, &VerificationError{Reason: "truncated signature data"}
	}
	userPresence = raw[0]
	counter = binary.BigEndian.Uint32(raw[1:5])
	sigBytes := raw[5:]

	clientDataHash := sha256.Sum256(clientDataJSON)
	signedData := make([]byte, 0, 32+1+4+32)
	signedData = append(signedData, bd.AppParamHash...)
	signedData = append(signedData, userPresence)
	signedData = append(signedData, raw[1:5]...)
	signedData = append(signedData, clientDataHash[:]...)

	pub, err := decodeECPublicKey(bd.PublicKey)
	if err != nil {
		return 0, 0, err
	}
	if err := verifyECDSASignature(pub, signedData, sigBytes); err != nil {
		return 0, 0, err
	}

	return counter, userPresence, nil
}

func verifyChallenge(cd *ClientData, challenge []byte) error {
	want := base64.RawURLEncoding.EncodeToString(challenge)
	got := cd.Challenge
	if got != want && got != base64.URLEncoding.EncodeToString(challenge) {
		return &VerificationError{Reason: "challenge mismatch"}
	}
	return nil
}

func verifyFacet(cd *ClientData, facets []string) error {
	if len(facets) == 0 {
		return nil
	}
	for _, f := range facets {
		if f == cd.Origin {
			return nil
		}
	}
	return &VerificationError{Reason: "origin not in client's valid facets"}
}

func decodeECPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, &VerificationError{Reason: "malformed public key"}
	}
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

func verifyECDSASignature(pub any, signedData, sigDER []byte) error {
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return &VerificationError{Reason: "attestation certificate does not use an EC public key"}
	}
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(sigDER, &sig); err != nil {
		return &VerificationError{Reason: "malformed signature: " + err.Error()}
	}
	digest := sha256.Sum256(signedData)
	if !ecdsa.Verify(ecPub, digest[:], sig.R, sig.S) {
		return &VerificationError{Reason: "signature verification failed"}
	}
	return nil
}
