package account

import (
	"context"
	"fmt"

	"viewer-relay/internal/model"
	"viewer-relay/internal/notify"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
)

// RequestDeactivation mails a confirmation code for deleting the caller's
// account. A code issued in the last few minutes is kept.
func (s *Service) RequestDeactivation(ctx context.Context, uid, token string) error {
	sess, err := s.session(uid, token, status.ErrTokenMismatch)
	if err != nil {
		return err
	}
	if _, err := s.store.UserByID(ctx, sess.ID); err != nil {
		return storeErr(err, status.ErrAccountNotFound, "lookup user")
	}

	var issued bool
	var v registry.Verification
	err = sess.Update(func(st *registry.SessionState) error {
		var err error
		issued, err = refresh(&st.Deactivation, s.now())
		v = st.Deactivation
		return err
	})
	if err != nil {
		return fmt.Errorf("deactivation code: %w", err)
	}
	if issued {
		s.notify(ctx, notify.Message{Kind: notify.KindDeactivationCode, To: sess.Email, Code: v.Code})
	}
	return nil
}

// ConfirmDeactivation deletes the caller's account once code matches the
// outstanding deactivation code.
func (s *Service) ConfirmDeactivation(ctx context.Context, uid, token, code string) error {
	sess, err := s.session(uid, token, status.ErrTokenMismatch)
	if err != nil {
		return err
	}
	v := sess.State().Deactivation
	if v.Empty() || v.Code != code {
		return status.ErrCodeMismatch
	}
	u, err := s.store.UserByID(ctx, sess.ID)
	if err != nil {
		return storeErr(err, status.ErrAccountNotFound, "lookup user")
	}
	if s.now().Sub(v.IssuedAt) > codeValidFor {
		return status.ErrCodeExpired
	}
	return s.deleteAccount(ctx, u)
}

// DeleteAccount removes the account with public id uid without a
// confirmation code.
func (s *Service) DeleteAccount(ctx context.Context, uid string) error {
	u, err := s.store.UserByPublicID(ctx, uid)
	if err != nil {
		return storeErr(err, status.ErrAccountNotFound, "lookup user")
	}
	return s.deleteAccount(ctx, u)
}

func (s *Service) deleteAccount(ctx context.Context, u *model.User) error {
	shared, err := s.store.SharedDevicesForAccount(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("load shared devices: %w", err)
	}
	if err := s.store.DeleteUser(ctx, u.ID); err != nil {
		return storeErr(err, status.ErrAccountNotFound, "delete user")
	}
	s.registry.RemoveUser(u.PublicID)
	for i := range shared {
		if rec := s.registry.FindDeviceByID(shared[i].ID); rec != nil {
			s.registry.RemoveSharedAccount(rec, u.PublicID)
		}
	}
	s.notify(ctx, notify.Message{Kind: notify.KindDeactivated, To: u.Email})
	s.logger.InfoContext(ctx, "account deleted", "uid", u.PublicID)
	return nil
}
