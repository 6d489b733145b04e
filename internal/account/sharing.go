package account

import (
	"context"
	"errors"
	"fmt"

	"viewer-relay/internal/model"
	"viewer-relay/internal/status"
	"viewer-relay/internal/store"
)

// sharee returns the public id of the account a grant shares to, or "" when
// that account no longer exists.
func (s *Service) sharee(ctx context.Context, sa *model.SubAccount) (string, error) {
	u, err := s.store.UserByID(ctx, sa.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup sharee: %w", err)
	}
	return u.PublicID, nil
}

// ModifySubDevice adds deviceID to, or removes it from, the devices the
// caller shares through sub-account subAccountID.
func (s *Service) ModifySubDevice(ctx context.Context, uid, token string, subAccountID, deviceID int64, add bool) error {
	sess, err := s.session(uid, token, status.ErrTokenMismatch)
	if err != nil {
		return err
	}
	rec := s.registry.FindDeviceInUserByID(sess, deviceID)
	if rec == nil {
		return status.ErrDeviceNotFound
	}
	sa, err := s.store.ApprovedSubAccount(ctx, sess.ID, subAccountID)
	if err != nil {
		return storeErr(err, status.ErrAccountNotFound, "lookup sub-account")
	}

	sd, err := s.store.SubDevice(ctx, subAccountID, deviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup sub-device: %w", err)
	}
	changed := false
	if add {
		if sd == nil {
			sd = &model.SubDevice{SubAccountID: subAccountID, DeviceID: deviceID, CreatedAt: s.now().UTC()}
		}
		sd.Name = rec.Snapshot().Name
		sd.Status = model.DeviceNormal
		changed = true
	} else if sd != nil && sd.Status != model.DeviceDeleted {
		sd.Status = model.DeviceDeleted
		changed = true
	}
	if changed {
		if err := s.store.SaveSubDevice(ctx, sd); err != nil {
			return fmt.Errorf("save sub-device: %w", err)
		}
	}

	target, err := s.sharee(ctx, sa)
	if err != nil || target == "" {
		return err
	}
	if add {
		s.registry.AddSharedAccount(rec, target)
	} else {
		s.registry.RemoveSharedAccount(rec, target)
	}
	return nil
}

// UpdateSubAccountState moves a sub-account of the caller into state and
// reconciles the sharing set of every device it covers.
func (s *Service) UpdateSubAccountState(ctx context.Context, uid, token string, subAccountID int64, state int) error {
	st := model.SubAccountStatus(state)
	if !st.Valid() {
		return status.ErrInvalidInput
	}
	sess, err := s.session(uid, token, status.ErrTokenMismatch)
	if err != nil {
		return err
	}
	sa, err := s.store.SetSubAccountStatus(ctx, sess.ID, subAccountID, st)
	if err != nil {
		return storeErr(err, status.ErrSubAccountNotFound, "update sub-account")
	}

	target, err := s.sharee(ctx, sa)
	if err != nil || target == "" {
		return err
	}
	devices, err := s.store.SubDevicesOf(ctx, sa.ID)
	if err != nil {
		return fmt.Errorf("load sub-devices: %w", err)
	}
	for _, sd := range devices {
		rec := s.registry.FindDeviceByID(sd.DeviceID)
		if rec == nil {
			continue
		}
		if st == model.SubAccountApproved && sd.Status == model.DeviceNormal {
			s.registry.AddSharedAccount(rec, target)
		} else {
			s.registry.RemoveSharedAccount(rec, target)
		}
	}
	return nil
}

// DisconnectMainAccount retires the caller's access to every device of
// parentAccountID.
func (s *Service) DisconnectMainAccount(ctx context.Context, uid, token string, parentAccountID int64) error {
	sess, err := s.session(uid, token, status.ErrTokenMismatch)
	if err != nil {
		return err
	}
	ids, err := s.store.DisconnectMainAccount(ctx, parentAccountID, sess.ID)
	if err != nil {
		return storeErr(err, status.ErrAccountNotFound, "disconnect")
	}
	for _, id := range ids {
		if rec := s.registry.FindDeviceByID(id); rec != nil {
			s.registry.RemoveSharedAccount(rec, sess.PublicID)
		}
	}
	return nil
}

// Grant creates an approved sub-account letting accountPublicID reach the
// devices of parentPublicID. Invitations normally produce these rows; this
// is the operator path.
func (s *Service) Grant(ctx context.Context, parentPublicID, accountPublicID, name string) (*model.SubAccount, error) {
	parent, err := s.store.UserByPublicID(ctx, parentPublicID)
	if err != nil {
		return nil, storeErr(err, status.ErrAccountNotFound, "lookup parent")
	}
	sharee, err := s.store.UserByPublicID(ctx, accountPublicID)
	if err != nil {
		return nil, storeErr(err, status.ErrAccountNotFound, "lookup sharee")
	}
	if parent.ID == sharee.ID {
		return nil, status.ErrInvalidInput
	}
	sa := &model.SubAccount{
		AccountID:       sharee.ID,
		ParentAccountID: parent.ID,
		Name:            name,
		Email:           sharee.Email,
		Status:          model.SubAccountApproved,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.CreateSubAccount(ctx, sa); err != nil {
		return nil, fmt.Errorf("create sub-account: %w", err)
	}
	return sa, nil
}
