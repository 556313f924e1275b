package u2f

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"testing"
	"time"
)

const testAppID = "https://example.com"

var testFacets = []string{"https://example.com"}

// issueAttestationCert mints a self-signed EC certificate the same shape a
// U2F device's factory-installed attestation certificate has.
func issueAttestationCert(t *testing.T, priv *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "U2F Test Device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("failed to mint attestation certificate: %v", err)
	}
	return der
}

func encodeClientData(t *testing.T, typ, challenge, origin string) []byte {
	t.Helper()
	raw, err := json.Marshal(ClientData{Typ: typ, Challenge: challenge, Origin: origin})
	if err != nil {
		t.Fatalf("failed to encode client data: %v", err)
	}
	return raw
}

// buildRegistrationResponse assembles a raw U2F registration response signed
// by attestPriv over the device's own freshly-minted key pair.
func buildRegistrationResponse(t *testing.T, attestPriv *ecdsa.PrivateKey, certDER []byte, challenge []byte, keyHandle []byte) (RegisterResponse, *ecdsa.PrivateKey) {
	t.Helper()

	devicePriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate device key: %v", err)
	}
	pubKey := make([]byte, 65)
	pubKey[0] = 0x04
	devicePriv.PublicKey.X.FillBytes(pubKey[1:33])
	devicePriv.PublicKey.Y.FillBytes(pubKey[33:65])

	clientDataJSON := encodeClientData(t, ClientDataTypeRegister, base64.RawURLEncoding.EncodeToString(challenge), testFacets[0])

	appParamHash := sha256.Sum256([]byte(testAppID))
	clientDataHash := sha256.Sum256(clientDataJSON)

	signedData := make([]byte, 0, 1+32+32+len(keyHandle)+65)
	signedData = append(signedData, 0x00)
	signedData = append(signedData, appParamHash[:]...)
	signedData = append(signedData, clientDataHash[:]...)
	signedData = append(signedData, keyHandle...)
	signedData = append(signedData, pubKey...)

	digest := sha256.Sum256(signedData)
	r, s, err := ecdsa.Sign(rand.Reader, attestPriv, digest[:])
	if err != nil {
		t.Fatalf("failed to sign registration data: %v", err)
	}
	sigDER, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	if err != nil {
		t.Fatalf("failed to encode signature: %v", err)
	}

	raw := make([]byte, 0, 1+65+1+len(keyHandle)+len(certDER)+len(sigDER))
	raw = append(raw, 0x05)
	raw = append(raw, pubKey...)
	raw = append(raw, byte(len(keyHandle)))
	raw = append(raw, keyHandle...)
	raw = append(raw, certDER...)
	raw = append(raw, sigDER...)

	return RegisterResponse{
		RegistrationData: b64(raw),
		ClientData:       b64(clientDataJSON),
	}, devicePriv
}

func buildSignResponse(t *testing.T, devicePriv *ecdsa.PrivateKey, appParamHash []byte, challenge []byte, counter uint32, presence byte) SignResponse {
	t.Helper()

	clientDataJSON := encodeClientData(t, ClientDataTypeAuth, base64.RawURLEncoding.EncodeToString(challenge), testFacets[0])
	clientDataHash := sha256.Sum256(clientDataJSON)

	counterBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(counterBytes, counter)

	signedData := make([]byte, 0, 32+1+4+32)
	signedData = append(signedData, appParamHash...)
	signedData = append(signedData, presence)
	signedData = append(signedData, counterBytes...)
	signedData = append(signedData, clientDataHash[:]...)

	digest := sha256.Sum256(signedData)
	r, s, err := ecdsa.Sign(rand.Reader, devicePriv, digest[:])
	if err != nil {
		t.Fatalf("failed to sign authentication data: %v", err)
	}
	sigDER, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	if err != nil {
		t.Fatalf("failed to encode signature: %v", err)
	}

	raw := make([]byte, 0, 5+len(sigDER))
	raw = append(raw, presence)
	raw = append(raw, counterBytes...)
	raw = append(raw, sigDER...)

	return SignResponse{
		KeyHandle:     base64.RawURLEncoding.EncodeToString([]byte("test-key-handle")),
		SignatureData: b64(raw),
		ClientData:    b64(clientDataJSON),
	}
}

func TestVerifyRegistrationSucceeds(t *testing.T) {
	attestPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate attestation key: %v", err)
	}
	certDER := issueAttestationCert(t, attestPriv)
	challenge := []byte("a-32-byte-challenge-value-here!!")
	keyHandle := []byte("test-key-handle")

	resp, _ := buildRegistrationResponse(t, attestPriv, certDER, challenge, keyHandle)

	d := New()
	bindDataOut, gotCertDER, err := d.VerifyRegistration(challenge, testAppID, testFacets, resp)
	if err != nil {
		t.Fatalf("VerifyRegistration failed: %v", err)
	}
	if string(gotCertDER) != string(certDER) {
		t.Error("returned certificate DER does not match the one presented")
	}

	gotHandle, err := BindDataKeyHandle(bindDataOut)
	if err != nil {
		t.Fatalf("BindDataKeyHandle failed: %v", err)
	}
	if string(gotHandle) != string(keyHandle) {
		t.Errorf("key handle = %q, want %q", gotHandle, keyHandle)
	}
}

func TestVerifyRegistrationRejectsWrongChallenge(t *testing.T) {
	attestPriv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	certDER := issueAttestationCert(t, attestPriv)
	challenge := []byte("a-32-byte-challenge-value-here!!")
	keyHandle := []byte("test-key-handle")

	resp, _ := buildRegistrationResponse(t, attestPriv, certDER, challenge, keyHandle)

	d := New()
	_, _, err := d.VerifyRegistration([]byte("a-different-challenge-value!!!!"), testAppID, testFacets, resp)
	if err == nil {
		t.Fatal("expected challenge mismatch error, got nil")
	}
}

func TestVerifyRegistrationRejectsUntrustedFacet(t *testing.T) {
	attestPriv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	certDER := issueAttestationCert(t, attestPriv)
	challenge := []byte("a-32-byte-challenge-value-here!!")
	keyHandle := []byte("test-key-handle")

	resp, _ := buildRegistrationResponse(t, attestPriv, certDER, challenge, keyHandle)

	d := New()
	_, _, err := d.VerifyRegistration(challenge, testAppID, []string{"https://evil.example"}, resp)
	if err == nil {
		t.Fatal("expected facet rejection, got nil")
	}
}

func TestVerifyRegistrationRejectsTamperedSignature(t *testing.T) {
	attestPriv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	certDER := issueAttestationCert(t, attestPriv)
	challenge := []byte("a-32-byte-challenge-value-here!!")
	keyHandle := []byte("test-key-handle")

	resp, _ := buildRegistrationResponse(t, attestPriv, certDER, challenge, keyHandle)
	tampered := []byte(resp.RegistrationData)
	tampered[10] ^= 0xFF
	resp.RegistrationData = b64(tampered)

	d := New()
	_, _, err := d.VerifyRegistration(challenge, testAppID, testFacets, resp)
	if err == nil {
		t.Fatal("expected signature verification failure, got nil")
	}
}

func TestVerifyAuthenticationRoundTrip(t *testing.T) {
	attestPriv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	certDER := issueAttestationCert(t, attestPriv)
	regChallenge := []byte("a-32-byte-challenge-value-here!!")
	keyHandle := []byte("test-key-handle")

	regResp, devicePriv := buildRegistrationResponse(t, attestPriv, certDER, regChallenge, keyHandle)

	d := New()
	bindDataOut, _, err := d.VerifyRegistration(regChallenge, testAppID, testFacets, regResp)
	if err != nil {
		t.Fatalf("VerifyRegistration failed: %v", err)
	}

	appParamHash := sha256.Sum256([]byte(testAppID))
	signChallenge := []byte("a-different-challenge-for-signin")
	signResp := buildSignResponse(t, devicePriv, appParamHash[:], signChallenge, 7, 1)

	counter, presence, err := d.VerifyAuthentication(bindDataOut, testAppID, signChallenge, testFacets, signResp)
	if err != nil {
		t.Fatalf("VerifyAuthentication failed: %v", err)
	}
	if counter != 7 {
		t.Errorf("counter = %d, want 7", counter)
	}
	if presence != 1 {
		t.Errorf("presence = %d, want 1", presence)
	}
}

func TestVerifyAuthenticationRejectsBadSignature(t *testing.T) {
	attestPriv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	certDER := issueAttestationCert(t, attestPriv)
	regChallenge := []byte("a-32-byte-challenge-value-here!!")
	keyHandle := []byte("test-key-handle")

	regResp, _ := buildRegistrationResponse(t, attestPriv, certDER, regChallenge, keyHandle)

	d := New()
	bindDataOut, _, err := d.VerifyRegistration(regChallenge, testAppID, testFacets, regResp)
	if err != nil {
		t.Fatalf("VerifyRegistration failed: %v", err)
	}

	otherPriv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	appParamHash := sha256.Sum256([]byte(testAppID))
	signChallenge := []byte("a-different-challenge-for-signin")
	signResp := buildSignResponse(t, otherPriv, appParamHash[:], signChallenge, 1, 1)

	if _, _, err := d.VerifyAuthentication(bindDataOut, testAppID, signChallenge, testFacets, signResp); err == nil {
		t.Fatal("expected signature verification failure for wrong signing key")
	}
}

func TestMintChallengeUsesProvidedOrRandom(t *testing.T) {
	d := New()
	provided := []byte("fixed-challenge")
	if got := d.MintChallenge(provided); string(got) != string(provided) {
		t.Errorf("MintChallenge(provided) = %q, want %q", got, provided)
	}

	a := d.MintChallenge(nil)
	b := d.MintChallenge(nil)
	if len(a) != 32 {
		t.Errorf("random challenge length = %d, want 32", len(a))
	}
	if string(a) == string(b) {
		t.Error("two random challenges collided, want distinct")
	}
}

func TestParseClientDataRejectsIncomplete(t *testing.T) {
	cases := []string{
		`{}`,
		`{"typ":"navigator.id.finishEnrollment"}`,
		`not json`,
	}
	for _, c := range cases {
		if _, err := ParseClientData([]byte(c)); err == nil {
			t.Errorf("ParseClientData(%q) succeeded, want error", c)
		}
	}
}
