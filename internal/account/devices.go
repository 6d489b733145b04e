package account

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/model"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
	"viewer-relay/internal/store"
)

// bind payload offsets
const (
	bindModelOffset = 8
	bindNameOffset  = 40
)

// decryptForAccount decodes hex s and reverses the account-keyed transform.
func decryptForAccount(s, uid string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, status.Wrap(status.InvalidParameters, err)
	}
	key, err := crypt.KeyFromHex(uid)
	if err != nil {
		return nil, status.Wrap(status.InvalidParameters, err)
	}
	crypt.VariantAccount.Transform(data, key)
	return data, nil
}

// Bind registers the device described by payload to the caller, taking it
// over from any previous owner. The returned nonce authenticates the
// device's next light poll.
func (s *Service) Bind(ctx context.Context, uid, token, payload string) (string, error) {
	if payload == "" {
		return "", status.ErrInvalidInput
	}
	sess, err := s.session(uid, token, status.ErrTokenMismatch)
	if err != nil {
		return "", err
	}
	data, err := decryptForAccount(payload, sess.PublicID)
	if err != nil {
		return "", err
	}
	if len(data) < bindNameOffset {
		return "", status.ErrInvalidInput
	}
	did := hex.EncodeToString(data[:registry.DeviceIDSize])
	modelByte := data[bindModelOffset]
	name := string(bytes.TrimRight(data[bindNameOffset:], "\x00"))

	now := s.now()
	dev, err := s.store.DeviceByPublicID(ctx, did)
	switch {
	case errors.Is(err, store.ErrNotFound):
		dev = &model.Device{
			PublicID:      did,
			OwnerPublicID: sess.PublicID,
			Name:          name,
			Model:         int(modelByte),
			Status:        model.DeviceNormal,
			RegisteredAt:  now.UTC(),
		}
	case err != nil:
		return "", fmt.Errorf("lookup device: %w", err)
	case strings.EqualFold(dev.OwnerPublicID, sess.PublicID) && dev.Status == model.DeviceNormal:
		return "", status.ErrAccountNotFound
	default:
		dev.OwnerPublicID = sess.PublicID
		dev.Status = model.DeviceNormal
		dev.Name = name
	}
	if err := s.store.SaveDevice(ctx, dev); err != nil {
		return "", fmt.Errorf("save device: %w", err)
	}

	rec := s.record(dev)
	rec.Mutate(func(st *registry.DeviceState) {
		st.Name = name
		st.Model = modelByte
		st.LastActive = now
	})
	s.registry.AttachDevice(sess, rec)

	nonce, err := crypt.RandomHex(8)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	rec.SetNonce(nonce)
	s.logger.InfoContext(ctx, "device bound", "uid", sess.PublicID, "device", did)
	return nonce, nil
}

// Unbind deletes a device owned by the caller. encryptedDeviceID is the
// device's public id encrypted with the account key.
func (s *Service) Unbind(ctx context.Context, uid, token, encryptedDeviceID string) error {
	if encryptedDeviceID == "" {
		return status.ErrInvalidInput
	}
	sess, err := s.session(uid, token, status.ErrTokenExpired)
	if err != nil {
		return err
	}
	raw, err := decryptForAccount(encryptedDeviceID, sess.PublicID)
	if err != nil {
		return err
	}
	did := hex.EncodeToString(raw)

	dev, err := s.store.DeviceByPublicID(ctx, did)
	if err != nil {
		return storeErr(err, status.ErrDeviceNotFound, "lookup device")
	}
	if !strings.EqualFold(dev.OwnerPublicID, sess.PublicID) {
		return status.ErrDeviceNotFound
	}
	if err := s.store.DeleteDevice(ctx, dev.ID); err != nil {
		return storeErr(err, status.ErrDeviceNotFound, "delete device")
	}
	if rec := s.registry.FindDeviceInUser(sess, did); rec != nil {
		s.registry.DetachDevice(sess, rec)
	}
	s.logger.InfoContext(ctx, "device unbound", "uid", sess.PublicID, "device", did)
	return nil
}

// Rename sets the display name of an owned device, or the caller's own name
// for a device shared to it.
func (s *Service) Rename(ctx context.Context, uid, token, deviceID, name string) error {
	id, err := strconv.ParseInt(deviceID, 10, 64)
	if err != nil {
		return status.ErrInvalidInput
	}
	if len(name) > maxNameLen {
		return status.ErrInvalidInput
	}
	sess, err := s.session(uid, token, status.ErrTokenExpired)
	if err != nil {
		return err
	}

	var ok bool
	if rec := s.registry.FindDeviceInUserByID(sess, id); rec != nil {
		ok, err = s.store.RenameOwnedDevice(ctx, sess.PublicID, id, name)
		if err != nil {
			return fmt.Errorf("rename device: %w", err)
		}
		rec.Mutate(func(st *registry.DeviceState) { st.Name = name })
	} else {
		ok, err = s.store.RenameSharedDevice(ctx, sess.ID, id, name)
		if err != nil {
			return fmt.Errorf("rename shared device: %w", err)
		}
	}
	if !ok {
		return status.ErrDeviceNotFound
	}
	return nil
}
