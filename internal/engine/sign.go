package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/repositories"
	"github.com/yubico/u2fval/internal/u2f"
)

// signTxData is what SignStart persists in the transaction store for
// SignComplete to retrieve (spec §4.4.4/§4.4.5).
type signTxData struct {
	AppID      string            `json:"appId"`
	Challenge  []byte            `json:"challenge"`
	HandleMap  map[string]string `json:"handleMap"`
	Properties map[string]string `json:"properties,omitempty"`
}

// SignStart implements spec §4.4.4.
func (e *Engine) SignStart(ctx context.Context, client *db.Client, userName string, challenge []byte, handles []string, properties map[string]string) (dto SignRequestDTO, err error) {
	defer func() { recordCeremony("sign_start", err) }()

	if err = validateUserName(userName); err != nil {
		return SignRequestDTO{}, err
	}

	tx, err := e.db.BeginTx(ctx, e.db.TxOptions())
	if err != nil {
		return SignRequestDTO{}, e.internalError(fmt.Errorf("failed to begin sign_start tx: %w", err))
	}
	defer tx.Rollback()

	user, err := e.users.GetByName(tx, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return SignRequestDTO{}, noEligibleDevices(nil)
		}
		return SignRequestDTO{}, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	all, err := e.devices.ListByUser(tx, user.ID)
	if err != nil {
		return SignRequestDTO{}, e.internalError(fmt.Errorf("failed to list devices: %w", err))
	}
	if len(all) == 0 {
		return SignRequestDTO{}, noEligibleDevices(nil)
	}

	candidates := all
	if len(handles) > 0 {
		candidates, err = e.devices.ListByHandles(tx, user.ID, handles)
		if err != nil {
			if err == repositories.ErrNotFound {
				return SignRequestDTO{}, badInput("unknown device handle")
			}
			return SignRequestDTO{}, e.internalError(fmt.Errorf("failed to resolve requested handles: %w", err))
		}
	}

	var survivors, compromised []*db.Device
	for _, d := range candidates {
		if d.Compromised {
			compromised = append(compromised, d)
		} else {
			survivors = append(survivors, d)
		}
	}
	if len(survivors) == 0 {
		descriptors, err := e.buildDescriptors(tx, compromised)
		if err != nil {
			return SignRequestDTO{}, err
		}
		return SignRequestDTO{}, noEligibleDevices(descriptors)
	}

	challenge = e.u2f.MintChallenge(challenge)

	registeredKeys := make([]u2f.RegisteredKey, 0, len(survivors))
	handleMap := make(map[string]string, len(survivors))
	for _, d := range survivors {
		key, err := e.registeredKeyFor(client, d)
		if err != nil {
			return SignRequestDTO{}, err
		}
		registeredKeys = append(registeredKeys, key)
		handleMap[hex.EncodeToString([]byte(key.KeyHandle))] = d.Handle
	}

	descriptors, err := e.buildDescriptors(tx, survivors)
	if err != nil {
		return SignRequestDTO{}, err
	}

	txData, err := json.Marshal(signTxData{AppID: client.AppID, Challenge: challenge, HandleMap: handleMap, Properties: properties})
	if err != nil {
		return SignRequestDTO{}, e.internalError(fmt.Errorf("failed to encode sign transaction: %w", err))
	}
	if err := e.store.Store(ctx, user.ID, challenge, txData); err != nil {
		return SignRequestDTO{}, e.internalError(fmt.Errorf("failed to store sign transaction: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return SignRequestDTO{}, e.internalError(fmt.Errorf("failed to commit sign_start tx: %w", err))
	}

	return SignRequestDTO{
		AppID:          client.AppID,
		Challenge:      challenge,
		RegisteredKeys: registeredKeys,
		Descriptors:    descriptors,
	}, nil
}

// SignComplete implements spec §4.4.5.
func (e *Engine) SignComplete(ctx context.Context, client *db.Client, userName string, body SignCompleteRequest) (descriptor DeviceDescriptor, err error) {
	defer func() { recordCeremony("sign_complete", err) }()

	if err = validateUserName(userName); err != nil {
		return DeviceDescriptor{}, err
	}

	clientData, err := u2f.ParseClientData([]byte(body.SignResponse.ClientData))
	if err != nil {
		return DeviceDescriptor{}, badInput(err.Error())
	}
	challenge, err := decodeChallenge(clientData.Challenge)
	if err != nil {
		return DeviceDescriptor{}, badInput("malformed challenge in client data")
	}

	tx, err := e.db.BeginTx(ctx, e.db.TxOptions())
	if err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to begin sign_complete tx: %w", err))
	}
	defer tx.Rollback()

	user, err := e.users.GetByName(tx, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("unknown user")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	raw, err := e.store.Retrieve(ctx, user.ID, challenge)
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("no pending sign for this challenge")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to retrieve sign transaction: %w", err))
	}
	var txData signTxData
	if err := json.Unmarshal(raw, &txData); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("corrupt sign transaction: %w", err))
	}

	keyHandle, err := decodeWebSafeBase64(body.SignResponse.KeyHandle)
	if err != nil {
		return DeviceDescriptor{}, badInput("malformed key handle")
	}
	handle, ok := txData.HandleMap[hex.EncodeToString(keyHandle)]
	if !ok {
		return DeviceDescriptor{}, badInput("key handle not part of this sign request")
	}

	target, err := e.deviceByHandleForUpdate(tx, user.ID, handle)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	device, err := e.devices.LockForSign(tx, user.ID, target.ID, e.db.ForUpdate())
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("unknown device handle")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to lock device for sign: %w", err))
	}

	if device.Compromised {
		descriptor, derr := e.buildDescriptor(tx, device)
		if derr != nil {
			return DeviceDescriptor{}, derr
		}
		e.logger.Warn("sign_complete: client=%s user=%s device=%s rejected, already compromised", client.Name, userName, device.Handle)
		return DeviceDescriptor{}, deviceCompromised(descriptor)
	}

	counter, presence, err := e.u2f.VerifyAuthentication(device.BindData, txData.AppID, txData.Challenge, client.ValidFacets, body.SignResponse)
	if err != nil {
		return DeviceDescriptor{}, badInput(err.Error())
	}
	if presence == 0 {
		return DeviceDescriptor{}, badInput("user presence not set")
	}

	prev := int64(-1)
	if device.Counter != nil {
		prev = int64(*device.Counter)
	}
	if int64(counter) <= prev {
		if err := e.devices.SetCompromised(tx, device.ID); err != nil {
			return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to latch compromised device: %w", err))
		}
		device.Compromised = true
		descriptor, derr := e.buildDescriptor(tx, device)
		if derr != nil {
			return DeviceDescriptor{}, derr
		}
		if err := tx.Commit(); err != nil {
			return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to commit sign_complete tx: %w", err))
		}
		e.logger.Warn("sign_complete: client=%s user=%s device=%s latched compromised, counter=%d prev=%d", client.Name, userName, device.Handle, counter, prev)
		return DeviceDescriptor{}, deviceCompromised(descriptor)
	}

	now := time.Now().UTC()
	if err := e.devices.UpdateCounter(tx, device.ID, counter, now); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to update device counter: %w", err))
	}
	device.Counter = &counter
	device.AuthenticatedAt = &now

	merged := mergeProperties(txData.Properties, body.Properties)
	if _, err := e.devices.MergeProperties(tx, device.ID, merged); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to apply device properties: %w", err))
	}

	descriptor, err = e.buildDescriptor(tx, device)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to commit sign_complete tx: %w", err))
	}
	e.logger.Info("sign_complete: client=%s user=%s device=%s counter=%d", client.Name, userName, descriptor.Handle, counter)
	return descriptor, nil
}

func (e *Engine) deviceByHandleForUpdate(q db.Queryer, userID int64, handle string) (*db.Device, error) {
	d, err := e.devices.GetByHandle(q, userID, handle)
	if err != nil {
		if err == repositories.ErrNotFound {
			return nil, notFound("unknown device handle")
		}
		return nil, e.internalError(fmt.Errorf("failed to load device: %w", err))
	}
	return d, nil
}
