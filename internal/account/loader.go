package account

import (
	"context"
	"fmt"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/model"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
)

// LoadSession caches u with its owned devices, their sharing sets, and the
// devices shared to u. A session that is already cached is returned as is.
func (s *Service) LoadSession(ctx context.Context, u *model.User) (*registry.UserSession, error) {
	if cur := s.registry.FindUserByPublicID(u.PublicID); cur != nil {
		return cur, nil
	}
	token, err := crypt.RandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	sess, added := s.registry.AddUser(registry.NewUserSession(identityOf(u), registry.SessionState{
		Activated: u.Activated,
		Token:     token,
	}))
	if !added {
		return sess, nil
	}
	if err := s.populate(ctx, sess); err != nil {
		s.registry.RemoveUser(sess.PublicID)
		return nil, err
	}
	s.logger.DebugContext(ctx, "session loaded", "uid", sess.PublicID, "devices", len(sess.Devices()))
	return sess, nil
}

func (s *Service) populate(ctx context.Context, sess *registry.UserSession) error {
	owned, err := s.store.DevicesForOwner(ctx, sess.PublicID)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for i := range owned {
		if _, err := s.attachOwned(ctx, sess, &owned[i]); err != nil {
			return err
		}
	}

	shared, err := s.store.SharedDevicesForAccount(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("load shared devices: %w", err)
	}
	for i := range shared {
		s.record(&shared[i].Device)
	}
	return nil
}

// record returns the global record of d, creating it when absent.
func (s *Service) record(d *model.Device) *registry.DeviceRecord {
	if rec := s.registry.FindDeviceByID(d.ID); rec != nil {
		return rec
	}
	rec, _ := s.registry.EnsureDevice(registry.StateFromDevice(d))
	return rec
}

func (s *Service) attachOwned(ctx context.Context, sess *registry.UserSession, d *model.Device) (*registry.DeviceRecord, error) {
	rec := s.record(d)
	grants, err := s.store.SharingGrants(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load sharing grants: %w", err)
	}
	for _, g := range grants {
		s.registry.AddSharedAccount(rec, g)
	}
	rec.MarkSharedDirty()
	s.registry.AttachDevice(sess, rec)
	return rec, nil
}

// LoadDeviceOwner resolves the session owning deviceID under accountID,
// loading both from the store when needed.
func (s *Service) LoadDeviceOwner(ctx context.Context, accountID, deviceID string) (*registry.UserSession, *registry.DeviceRecord, error) {
	u, err := s.store.UserByPublicID(ctx, accountID)
	if err != nil {
		return nil, nil, storeErr(err, status.ErrAccountNotFound, "load owner")
	}
	sess, err := s.LoadSession(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	if rec := s.registry.FindDeviceInUser(sess, deviceID); rec != nil {
		return sess, rec, nil
	}

	d, err := s.store.DeviceForOwner(ctx, deviceID, accountID)
	if err != nil {
		return nil, nil, storeErr(err, status.ErrDeviceNotFound, "load device")
	}
	rec, err := s.attachOwned(ctx, sess, d)
	if err != nil {
		return nil, nil, err
	}
	return sess, rec, nil
}

func (s *Service) LoadUser(ctx context.Context, accountID string) (*registry.UserSession, error) {
	if sess := s.registry.FindUserByPublicID(accountID); sess != nil {
		return sess, nil
	}
	u, err := s.store.UserByPublicID(ctx, accountID)
	if err != nil {
		return nil, storeErr(err, status.ErrAccountNotFound, "load user")
	}
	return s.LoadSession(ctx, u)
}
