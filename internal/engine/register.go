package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/repositories"
	"github.com/yubico/u2fval/internal/u2f"
)

// registerTxData is what RegisterStart persists in the transaction store
// for RegisterComplete to retrieve (spec §4.4.2/§4.4.3).
type registerTxData struct {
	AppID      string            `json:"appId"`
	Challenge  []byte            `json:"challenge"`
	Properties map[string]string `json:"properties,omitempty"`
}

// RegisterStart implements spec §4.4.2.
func (e *Engine) RegisterStart(ctx context.Context, client *db.Client, userName string, challenge []byte, properties map[string]string) (dto RegisterRequestDTO, err error) {
	defer func() { recordCeremony("register_start", err) }()

	if err = validateUserName(userName); err != nil {
		return RegisterRequestDTO{}, err
	}

	tx, err := e.db.BeginTx(ctx, e.db.TxOptions())
	if err != nil {
		return RegisterRequestDTO{}, e.internalError(fmt.Errorf("failed to begin register_start tx: %w", err))
	}
	defer tx.Rollback()

	user, err := e.users.GetOrCreate(tx, client.ID, userName)
	if err != nil {
		return RegisterRequestDTO{}, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	existing, err := e.devices.ListByUser(tx, user.ID)
	if err != nil {
		return RegisterRequestDTO{}, e.internalError(fmt.Errorf("failed to list devices: %w", err))
	}

	registeredKeys := make([]u2f.RegisteredKey, 0, len(existing))
	for _, d := range existing {
		key, err := e.registeredKeyFor(client, d)
		if err != nil {
			return RegisterRequestDTO{}, err
		}
		registeredKeys = append(registeredKeys, key)
	}

	descriptors, err := e.buildDescriptors(tx, existing)
	if err != nil {
		return RegisterRequestDTO{}, err
	}

	challenge = e.u2f.MintChallenge(challenge)
	request := e.u2f.NewRegisterRequest(challenge)

	txData, err := json.Marshal(registerTxData{AppID: client.AppID, Challenge: challenge, Properties: properties})
	if err != nil {
		return RegisterRequestDTO{}, e.internalError(fmt.Errorf("failed to encode register transaction: %w", err))
	}
	if err := e.store.Store(ctx, user.ID, challenge, txData); err != nil {
		return RegisterRequestDTO{}, e.internalError(fmt.Errorf("failed to store register transaction: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return RegisterRequestDTO{}, e.internalError(fmt.Errorf("failed to commit register_start tx: %w", err))
	}

	return RegisterRequestDTO{
		AppID:            client.AppID,
		RegisterRequests: []u2f.RegisterRequest{request},
		RegisteredKeys:   registeredKeys,
		Descriptors:      descriptors,
	}, nil
}

// RegisterComplete implements spec §4.4.3.
func (e *Engine) RegisterComplete(ctx context.Context, client *db.Client, userName string, body RegisterCompleteRequest) (descriptor DeviceDescriptor, err error) {
	defer func() { recordCeremony("register_complete", err) }()

	if err = validateUserName(userName); err != nil {
		return DeviceDescriptor{}, err
	}

	clientData, err := u2f.ParseClientData([]byte(body.RegisterResponse.ClientData))
	if err != nil {
		return DeviceDescriptor{}, badInput(err.Error())
	}
	challenge, err := decodeChallenge(clientData.Challenge)
	if err != nil {
		return DeviceDescriptor{}, badInput("malformed challenge in client data")
	}

	tx, err := e.db.BeginTx(ctx, e.db.TxOptions())
	if err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to begin register_complete tx: %w", err))
	}
	defer tx.Rollback()

	user, err := e.users.GetOrCreate(tx, client.ID, userName)
	if err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	raw, err := e.store.Retrieve(ctx, user.ID, challenge)
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("no pending registration for this challenge")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to retrieve register transaction: %w", err))
	}
	var txData registerTxData
	if err := json.Unmarshal(raw, &txData); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("corrupt register transaction: %w", err))
	}

	bindData, certDER, err := e.u2f.VerifyRegistration(txData.Challenge, txData.AppID, client.ValidFacets, body.RegisterResponse)
	if err != nil {
		return DeviceDescriptor{}, badInput(err.Error())
	}

	rec, trusted := e.attestation.GetAttestation(certDER)
	if !trusted && !e.config.AllowUntrusted {
		return DeviceDescriptor{}, badInput("attestation not trusted")
	}

	cert, err := e.certificates.GetOrCreate(tx, certDER)
	if err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to store attestation certificate: %w", err))
	}

	var transports uint8
	if rec != nil {
		transports = rec.Transports
	}
	device, err := e.devices.Create(tx, user.ID, bindData, cert.ID, transports)
	if err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to create device: %w", err))
	}

	merged := mergeProperties(txData.Properties, body.Properties)
	if _, err := e.devices.MergeProperties(tx, device.ID, merged); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to apply device properties: %w", err))
	}

	descriptor, err = e.buildDescriptor(tx, device)
	if err != nil {
		return DeviceDescriptor{}, err
	}

	if err := tx.Commit(); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to commit register_complete tx: %w", err))
	}
	e.logger.Info("register_complete: client=%s user=%s device=%s", client.Name, userName, descriptor.Handle)
	return descriptor, nil
}

// registeredKeyFor projects a device into the check-only RegisteredKey
// shape used both in register_start (to block re-enrollment) and
// sign_start (§4.4.2, §4.4.4). Compromised devices are included here
// intentionally: duplicate-enrollment prevention does not depend on trust.
func (e *Engine) registeredKeyFor(client *db.Client, d *db.Device) (u2f.RegisteredKey, error) {
	keyHandle, err := u2f.BindDataKeyHandle(d.BindData)
	if err != nil {
		return u2f.RegisteredKey{}, e.internalError(fmt.Errorf("failed to read device bind data: %w", err))
	}
	key := u2f.RegisteredKey{
		Version:    "U2F_V2",
		KeyHandle:  keyHandle,
		Transports: db.TransportsToStrings(d.Transports),
	}
	return key, nil
}

func decodeChallenge(s string) ([]byte, error) {
	return decodeWebSafeBase64(s)
}
