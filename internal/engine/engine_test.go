package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/repositories"
	"github.com/yubico/u2fval/internal/txstore"
	"github.com/yubico/u2fval/internal/u2f"
	"github.com/yubico/u2fval/internal/utils"
)

// wireKeyHandle web-safe-base64-encodes raw bytes the way a real U2F client
// would before echoing a challenge or key handle back on the wire (spec §6).
func wireKeyHandle(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func newTestEngine(t *testing.T, trusted bool) (*Engine, *db.Client, *fakePrimitives) {
	t.Helper()

	sqlDB, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := sqlDB.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	clientRepo := repositories.NewClientRepository(sqlDB)
	client, err := clientRepo.Create(sqlDB, "acme", "https://example.com", []string{"https://example.com"})
	if err != nil {
		t.Fatalf("failed to create test client: %v", err)
	}

	txRepo := repositories.NewTransactionRepository(sqlDB)
	store := txstore.NewRelationalStore(sqlDB, txRepo, txstore.Config{MaxTransactions: 5})

	primitives := newFakePrimitives()
	resolver := newFakeResolver(trusted)

	eng := New(sqlDB, store, resolver, primitives, utils.NewLogger(), Config{AllowUntrusted: false})
	return eng, client, primitives
}

// clientDataFor builds a well-formed, base64url-wrapped ClientData envelope
// echoing the challenge a _start call minted, the way a real U2F client
// would when it posts its response back (spec §6).
func clientDataFor(t *testing.T, typ, challenge string) protocol.URLEncodedBase64 {
	t.Helper()
	raw, err := json.Marshal(u2f.ClientData{Typ: typ, Challenge: challenge, Origin: "https://example.com"})
	if err != nil {
		t.Fatalf("failed to encode client data: %v", err)
	}
	return protocol.URLEncodedBase64(raw)
}

func registerDevice(t *testing.T, eng *Engine, client *db.Client, user string, properties map[string]string) DeviceDescriptor {
	t.Helper()
	ctx := context.Background()

	dto, err := eng.RegisterStart(ctx, client, user, nil, properties)
	if err != nil {
		t.Fatalf("RegisterStart failed: %v", err)
	}
	if len(dto.RegisterRequests) != 1 {
		t.Fatalf("RegisterStart returned %d register requests, want 1", len(dto.RegisterRequests))
	}

	clientData := clientDataFor(t, u2f.ClientDataTypeRegister, wireKeyHandle([]byte(dto.RegisterRequests[0].Challenge)))
	desc, err := eng.RegisterComplete(ctx, client, user, RegisterCompleteRequest{
		RegisterResponse: u2f.RegisterResponse{ClientData: clientData},
		Properties:       nil,
	})
	if err != nil {
		t.Fatalf("RegisterComplete failed: %v", err)
	}
	return desc
}

func TestTrustedFacets(t *testing.T) {
	eng, client, _ := newTestEngine(t, true)
	tf := eng.TrustedFacets(client)
	if len(tf.TrustedFacets) != 1 {
		t.Fatalf("got %d facet entries, want 1", len(tf.TrustedFacets))
	}
	if tf.TrustedFacets[0].IDs[0] != "https://example.com" {
		t.Errorf("facet id = %q", tf.TrustedFacets[0].IDs[0])
	}
	if tf.TrustedFacets[0].Version.Major != 1 || tf.TrustedFacets[0].Version.Minor != 0 {
		t.Errorf("facet version = %+v, want {1 0}", tf.TrustedFacets[0].Version)
	}
}

func TestValidateUserName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"", true},
		{"alice", false},
		{string(make([]byte, MaxUserNameBytes)), false},
		{string(make([]byte, MaxUserNameBytes+1)), true},
	}
	for _, c := range cases {
		err := validateUserName(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("validateUserName(len=%d) error = %v, wantErr %v", len(c.name), err, c.wantErr)
		}
	}
}

func TestRegisterCompleteCreatesDevice(t *testing.T) {
	eng, client, _ := newTestEngine(t, true)
	desc := registerDevice(t, eng, client, "alice", map[string]string{"nickname": "yubikey"})

	if !HandlePattern.MatchString(desc.Handle) {
		t.Errorf("handle %q does not match the expected syntax", desc.Handle)
	}
	if desc.Compromised {
		t.Error("freshly registered device should not be compromised")
	}
	if desc.Properties["nickname"] != "yubikey" {
		t.Errorf("properties = %v, want nickname=yubikey", desc.Properties)
	}
}

func TestRegisterCompleteRejectsUntrustedAttestation(t *testing.T) {
	eng, client, _ := newTestEngine(t, false)
	ctx := context.Background()

	dto, err := eng.RegisterStart(ctx, client, "alice", nil, nil)
	if err != nil {
		t.Fatalf("RegisterStart failed: %v", err)
	}
	clientData := clientDataFor(t, u2f.ClientDataTypeRegister, wireKeyHandle([]byte(dto.RegisterRequests[0].Challenge)))

	_, err = eng.RegisterComplete(ctx, client, "alice", RegisterCompleteRequest{
		RegisterResponse: u2f.RegisterResponse{ClientData: clientData},
	})
	engErr, ok := err.(*Error)
	if !ok || engErr.Code != CodeBadInput {
		t.Fatalf("RegisterComplete error = %v, want CodeBadInput", err)
	}
}

func TestRegisterCompleteRejectsStaleChallenge(t *testing.T) {
	eng, client, _ := newTestEngine(t, true)
	ctx := context.Background()

	if _, err := eng.RegisterStart(ctx, client, "alice", nil, nil); err != nil {
		t.Fatalf("RegisterStart failed: %v", err)
	}

	clientData := clientDataFor(t, u2f.ClientDataTypeRegister, "bm90LXRoZS1yZWFsLWNoYWxsZW5nZQ")
	_, err := eng.RegisterComplete(ctx, client, "alice", RegisterCompleteRequest{
		RegisterResponse: u2f.RegisterResponse{ClientData: clientData},
	})
	engErr, ok := err.(*Error)
	if !ok || engErr.Code != CodeNotFound {
		t.Fatalf("RegisterComplete error = %v, want CodeNotFound", err)
	}
}

func TestSignStartNoEligibleDevicesForNewUser(t *testing.T) {
	eng, client, _ := newTestEngine(t, true)
	_, err := eng.SignStart(context.Background(), client, "nobody", nil, nil, nil)
	engErr, ok := err.(*Error)
	if !ok || engErr.Code != CodeNoEligibleDevices {
		t.Fatalf("SignStart error = %v, want CodeNoEligibleDevices", err)
	}
}

func TestSignCompleteAdvancesCounter(t *testing.T) {
	eng, client, primitives := newTestEngine(t, true)
	ctx := context.Background()
	registerDevice(t, eng, client, "alice", nil)

	primitives.counter = 1
	dto, err := eng.SignStart(ctx, client, "alice", nil, nil, nil)
	if err != nil {
		t.Fatalf("SignStart failed: %v", err)
	}
	if len(dto.RegisteredKeys) != 1 {
		t.Fatalf("SignStart returned %d registered keys, want 1", len(dto.RegisteredKeys))
	}

	clientData := clientDataFor(t, u2f.ClientDataTypeAuth, wireKeyHandle([]byte(dto.Challenge)))
	desc, err := eng.SignComplete(ctx, client, "alice", SignCompleteRequest{
		SignResponse: u2f.SignResponse{
			KeyHandle:  wireKeyHandle([]byte(dto.RegisteredKeys[0].KeyHandle)),
			ClientData: clientData,
		},
	})
	if err != nil {
		t.Fatalf("SignComplete failed: %v", err)
	}
	if desc.LastUsed == nil {
		t.Error("expected LastUsed to be set after a successful sign")
	}
}

func TestSignCompleteLatchesCompromisedOnCounterRegression(t *testing.T) {
	eng, client, primitives := newTestEngine(t, true)
	ctx := context.Background()
	registerDevice(t, eng, client, "alice", nil)

	primitives.counter = 5
	dto, err := eng.SignStart(ctx, client, "alice", nil, nil, nil)
	if err != nil {
		t.Fatalf("SignStart failed: %v", err)
	}
	clientData := clientDataFor(t, u2f.ClientDataTypeAuth, wireKeyHandle([]byte(dto.Challenge)))
	if _, err := eng.SignComplete(ctx, client, "alice", SignCompleteRequest{
		SignResponse: u2f.SignResponse{KeyHandle: wireKeyHandle([]byte(dto.RegisteredKeys[0].KeyHandle)), ClientData: clientData},
	}); err != nil {
		t.Fatalf("first SignComplete failed: %v", err)
	}

	// Replay the same (lower-or-equal) counter: must latch the device as
	// compromised rather than accept it (spec §4.4.5, §5).
	primitives.counter = 5
	dto2, err := eng.SignStart(ctx, client, "alice", nil, nil, nil)
	if err != nil {
		t.Fatalf("second SignStart failed: %v", err)
	}
	clientData2 := clientDataFor(t, u2f.ClientDataTypeAuth, wireKeyHandle([]byte(dto2.Challenge)))
	_, err = eng.SignComplete(ctx, client, "alice", SignCompleteRequest{
		SignResponse: u2f.SignResponse{KeyHandle: wireKeyHandle([]byte(dto2.RegisteredKeys[0].KeyHandle)), ClientData: clientData2},
	})
	engErr, ok := err.(*Error)
	if !ok || engErr.Code != CodeDeviceCompromised {
		t.Fatalf("SignComplete error = %v, want CodeDeviceCompromised", err)
	}

	// A device latched as compromised must be rejected before any
	// signature is even checked on the next attempt.
	primitives.counter = 99
	dto3, err := eng.SignStart(ctx, client, "alice", nil, nil, nil)
	engErr, ok = err.(*Error)
	if !ok || engErr.Code != CodeNoEligibleDevices {
		t.Fatalf("SignStart after compromise error = %v, want CodeNoEligibleDevices", err)
	}
	_ = dto3
}

func TestPropertyMergeNullDeletesBaseKey(t *testing.T) {
	eng, client, primitives := newTestEngine(t, true)
	ctx := context.Background()

	dto, err := eng.RegisterStart(ctx, client, "alice", nil, map[string]string{"nickname": "yubikey", "color": "blue"})
	if err != nil {
		t.Fatalf("RegisterStart failed: %v", err)
	}
	clientData := clientDataFor(t, u2f.ClientDataTypeRegister, wireKeyHandle([]byte(dto.RegisterRequests[0].Challenge)))

	overlayNickname := "security-key"
	desc, err := eng.RegisterComplete(ctx, client, "alice", RegisterCompleteRequest{
		RegisterResponse: u2f.RegisterResponse{ClientData: clientData},
		Properties: map[string]*string{
			"color":    nil,
			"nickname": &overlayNickname,
		},
	})
	if err != nil {
		t.Fatalf("RegisterComplete failed: %v", err)
	}
	if _, ok := desc.Properties["color"]; ok {
		t.Errorf("color should have been deleted by the nil overlay, got %v", desc.Properties)
	}
	if desc.Properties["nickname"] != "security-key" {
		t.Errorf("nickname = %q, want overlay value to win", desc.Properties["nickname"])
	}
	_ = primitives
}

func TestDeviceAdministration(t *testing.T) {
	eng, client, _ := newTestEngine(t, true)
	ctx := context.Background()
	desc := registerDevice(t, eng, client, "alice", nil)

	list, err := eng.ListDescriptors(ctx, client, "alice")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListDescriptors = %v, %v; want 1 descriptor", list, err)
	}

	got, err := eng.GetDescriptor(ctx, client, "alice", desc.Handle)
	if err != nil || got.Handle != desc.Handle {
		t.Fatalf("GetDescriptor = %v, %v", got, err)
	}

	deleted := "anything"
	updated, err := eng.SetDescriptorProperties(ctx, client, "alice", desc.Handle, map[string]*string{"tag": &deleted})
	if err != nil || updated.Properties["tag"] != "anything" {
		t.Fatalf("SetDescriptorProperties = %v, %v", updated, err)
	}

	pemBytes, err := eng.Certificate(ctx, client, "alice", desc.Handle)
	if err != nil || len(pemBytes) == 0 {
		t.Fatalf("Certificate = %v, %v", string(pemBytes), err)
	}

	if err := eng.DeleteDevice(ctx, client, "alice", desc.Handle); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}
	if err := eng.DeleteDevice(ctx, client, "alice", desc.Handle); err != nil {
		t.Fatalf("DeleteDevice should be idempotent, got: %v", err)
	}

	if err := eng.DeleteUser(ctx, client, "alice"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if err := eng.DeleteUser(ctx, client, "alice"); err != nil {
		t.Fatalf("DeleteUser should be idempotent, got: %v", err)
	}
}

func TestGetDescriptorRejectsMalformedHandle(t *testing.T) {
	eng, client, _ := newTestEngine(t, true)
	_, err := eng.GetDescriptor(context.Background(), client, "alice", "not-a-handle")
	engErr, ok := err.(*Error)
	if !ok || engErr.Code != CodeBadInput {
		t.Fatalf("GetDescriptor error = %v, want CodeBadInput", err)
	}
}

func TestListDescriptorsLenientForUnknownUser(t *testing.T) {
	eng, client, _ := newTestEngine(t, true)
	list, err := eng.ListDescriptors(context.Background(), client, "ghost")
	if err != nil {
		t.Fatalf("ListDescriptors returned error for unknown user: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ListDescriptors = %v, want empty", list)
	}
}
