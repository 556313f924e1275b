package engine

import (
	"context"
	"encoding/pem"
	"fmt"
	"regexp"

	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/repositories"
)

// HandlePattern is the syntax every device handle must match (spec §4.5).
var HandlePattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// ListDescriptors implements GET /{user} (spec §4.5, §7): lenient on a
// missing user, returning an empty list rather than NOT_FOUND.
func (e *Engine) ListDescriptors(ctx context.Context, client *db.Client, userName string) ([]DeviceDescriptor, error) {
	if err := validateUserName(userName); err != nil {
		return nil, err
	}

	user, err := e.users.GetByName(e.db, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return []DeviceDescriptor{}, nil
		}
		return nil, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	devices, err := e.devices.ListByUser(e.db, user.ID)
	if err != nil {
		return nil, e.internalError(fmt.Errorf("failed to list devices: %w", err))
	}
	return e.buildDescriptors(e.db, devices)
}

// GetDescriptor implements spec §4.4.7's get_descriptor.
func (e *Engine) GetDescriptor(ctx context.Context, client *db.Client, userName, handle string) (DeviceDescriptor, error) {
	if err := validateUserName(userName); err != nil {
		return DeviceDescriptor{}, err
	}
	if !HandlePattern.MatchString(handle) {
		return DeviceDescriptor{}, badInput("malformed device handle")
	}

	user, err := e.users.GetByName(e.db, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("unknown user")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	device, err := e.devices.GetByHandle(e.db, user.ID, handle)
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("unknown device handle")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to load device: %w", err))
	}
	return e.buildDescriptor(e.db, device)
}

// SetDescriptorProperties implements spec §4.4.7's set_descriptor_properties.
func (e *Engine) SetDescriptorProperties(ctx context.Context, client *db.Client, userName, handle string, props map[string]*string) (DeviceDescriptor, error) {
	if err := validateUserName(userName); err != nil {
		return DeviceDescriptor{}, err
	}
	if !HandlePattern.MatchString(handle) {
		return DeviceDescriptor{}, badInput("malformed device handle")
	}

	tx, err := e.db.BeginTx(ctx, e.db.TxOptions())
	if err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to begin set-properties tx: %w", err))
	}
	defer tx.Rollback()

	user, err := e.users.GetByName(tx, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("unknown user")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	device, err := e.devices.GetByHandle(tx, user.ID, handle)
	if err != nil {
		if err == repositories.ErrNotFound {
			return DeviceDescriptor{}, notFound("unknown device handle")
		}
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to load device: %w", err))
	}

	if _, err := e.devices.MergeProperties(tx, device.ID, props); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to merge device properties: %w", err))
	}

	descriptor, err := e.buildDescriptor(tx, device)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeviceDescriptor{}, e.internalError(fmt.Errorf("failed to commit set-properties tx: %w", err))
	}
	return descriptor, nil
}

// DeleteDevice implements spec §4.4.7's delete_device: idempotent.
func (e *Engine) DeleteDevice(ctx context.Context, client *db.Client, userName, handle string) error {
	if err := validateUserName(userName); err != nil {
		return err
	}
	if !HandlePattern.MatchString(handle) {
		return badInput("malformed device handle")
	}

	user, err := e.users.GetByName(e.db, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return nil
		}
		return e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}
	if err := e.devices.Delete(e.db, user.ID, handle); err != nil {
		return e.internalError(fmt.Errorf("failed to delete device: %w", err))
	}
	return nil
}

// DeleteUser implements spec §4.4.7's delete_user: idempotent, cascades to
// devices, properties, and transactions via the schema's foreign keys.
func (e *Engine) DeleteUser(ctx context.Context, client *db.Client, userName string) error {
	if err := validateUserName(userName); err != nil {
		return err
	}

	user, err := e.users.GetByName(e.db, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return nil
		}
		return e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}
	if err := e.users.Delete(e.db, user.ID); err != nil {
		return e.internalError(fmt.Errorf("failed to delete user: %w", err))
	}
	return nil
}

// Certificate returns a device's attestation certificate PEM-encoded (spec
// §4.5's `GET /{user}/{handle}/certificate`).
func (e *Engine) Certificate(ctx context.Context, client *db.Client, userName, handle string) ([]byte, error) {
	if err := validateUserName(userName); err != nil {
		return nil, err
	}
	if !HandlePattern.MatchString(handle) {
		return nil, badInput("malformed device handle")
	}

	user, err := e.users.GetByName(e.db, client.ID, userName)
	if err != nil {
		if err == repositories.ErrNotFound {
			return nil, notFound("unknown user")
		}
		return nil, e.internalError(fmt.Errorf("failed to resolve user: %w", err))
	}

	device, err := e.devices.GetByHandle(e.db, user.ID, handle)
	if err != nil {
		if err == repositories.ErrNotFound {
			return nil, notFound("unknown device handle")
		}
		return nil, e.internalError(fmt.Errorf("failed to load device: %w", err))
	}

	cert, err := e.certificates.GetByID(e.db, device.CertificateID)
	if err != nil {
		return nil, e.internalError(fmt.Errorf("failed to load certificate: %w", err))
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.DER}), nil
}
