// Package account implements the client-facing account and device
// management operations on top of the session registry and durable store.
package account

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/model"
	"viewer-relay/internal/notify"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
	"viewer-relay/internal/store"
)

const (
	tokenRotateAfter = 3 * 24 * time.Hour
	tokenExpireAfter = 7 * 24 * time.Hour
	codeRefreshAfter = 3 * time.Minute
	codeValidFor     = 10 * time.Minute
)

type Options struct {
	Registry *registry.Registry
	Store    store.Store
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	registry *registry.Registry
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		registry: opts.Registry,
		store:    opts.Store,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) notify(ctx context.Context, m notify.Message) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, m)
	}
}

// session resolves uid and checks the caller's opaque token. failure is
// returned when either does not match.
func (s *Service) session(uid, token string, failure error) (*registry.UserSession, error) {
	if uid == "" || token == "" {
		return nil, status.ErrInvalidInput
	}
	u, err := s.registry.Authenticate(uid, token)
	if err != nil {
		return nil, failure
	}
	return u, nil
}

// storeErr maps a durable not-found to notFound and wraps anything else.
func storeErr(err error, notFound error, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func newPublicID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func emailHash(email string) string {
	sum := md5.Sum([]byte(email))
	return hex.EncodeToString(sum[:])
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// refresh issues a new code into v when none is outstanding or the current
// one is older than codeRefreshAfter. It reports whether a code was issued.
func refresh(v *registry.Verification, now time.Time) (bool, error) {
	if !v.Empty() && now.Sub(v.IssuedAt) <= codeRefreshAfter {
		return false, nil
	}
	token, err := crypt.RandomHex(8)
	if err != nil {
		return false, err
	}
	code, err := randomCode()
	if err != nil {
		return false, err
	}
	*v = registry.Verification{Token: token, Code: code, IssuedAt: now}
	return true, nil
}

// issueActivation refreshes the activation code of u and mails it when a new
// one was issued. It returns the current activation token.
func (s *Service) issueActivation(ctx context.Context, u *registry.UserSession) (string, error) {
	var issued bool
	var v registry.Verification
	err := u.Update(func(st *registry.SessionState) error {
		var err error
		issued, err = refresh(&st.Activation, s.now())
		v = st.Activation
		return err
	})
	if err != nil {
		return "", fmt.Errorf("activation code: %w", err)
	}
	if issued {
		s.notify(ctx, notify.Message{Kind: notify.KindActivationCode, To: u.Email, Code: v.Code})
	}
	return v.Token, nil
}

func identityOf(u *model.User) registry.Identity {
	return registry.Identity{
		ID:           u.ID,
		PublicID:     u.PublicID,
		Name:         u.Name,
		Email:        u.Email,
		EmailHash:    u.EmailHash,
		PasswordHash: u.PasswordHash,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
