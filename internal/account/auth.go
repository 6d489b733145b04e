package account

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/model"
	"viewer-relay/internal/notify"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
	"viewer-relay/internal/store"
)

var emailPattern = regexp.MustCompile(`^[\w-]+(\.[\w-]+)*@([\w-]+\.)+[\w-]{2,10}$`)

const (
	maxNameLen   = 64
	passwordLen  = 32
	loginVersion = 2
)

// SignUp creates an inactive account and mails its activation code. It
// returns the activation token the client later verifies with.
func (s *Service) SignUp(ctx context.Context, name, email, passwordHash string) (string, error) {
	email = normalizeEmail(email)
	if email == "" || len(passwordHash) != passwordLen || len(name) > maxNameLen {
		return "", status.ErrInvalidInput
	}
	if !emailPattern.MatchString(email) {
		return "", status.ErrInvalidEmailFormat
	}

	_, err := s.store.UserByEmail(ctx, email)
	switch {
	case err == nil:
		return "", status.ErrEmailRegistered
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("lookup email: %w", err)
	}

	now := s.now().UTC()
	u := &model.User{
		PublicID:     newPublicID(),
		Name:         name,
		Email:        email,
		EmailHash:    emailHash(email),
		PasswordHash: strings.ToLower(passwordHash),
		CreatedAt:    now,
		VisitedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	sess, err := s.LoadSession(ctx, u)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "account created", "uid", u.PublicID)
	return s.issueActivation(ctx, sess)
}

// VerifyActivation activates the account holding token and code. An expired
// code is replaced; the new activation token is returned with
// status.ErrTokenExpired.
func (s *Service) VerifyActivation(ctx context.Context, token, code string) (string, error) {
	if token == "" || code == "" {
		return "", status.ErrInvalidInput
	}
	sess := s.registry.FindUserByActivation(token, code)
	if sess == nil {
		return "", status.ErrAccountNotFound
	}
	st := sess.State()
	if st.Activated {
		return "", status.ErrAlreadyActivated
	}
	if _, err := s.store.UserByID(ctx, sess.ID); err != nil {
		return "", storeErr(err, status.ErrAccountNotFound, "lookup user")
	}
	if s.now().Sub(st.Activation.IssuedAt) > codeValidFor {
		next, err := s.issueActivation(ctx, sess)
		if err != nil {
			return "", err
		}
		return next, status.ErrTokenExpired
	}

	if err := s.store.ActivateUser(ctx, sess.ID); err != nil {
		return "", storeErr(err, status.ErrAccountNotFound, "activate user")
	}
	_ = sess.Update(func(st *registry.SessionState) error {
		st.Activated = true
		return nil
	})
	s.notify(ctx, notify.Message{Kind: notify.KindActivated, To: sess.Email})
	s.logger.InfoContext(ctx, "account activated", "uid", sess.PublicID)
	return "", nil
}

type SignInResult struct {
	UID             string
	Token           string
	Name            string
	Version         int
	ActivationToken string
}

// SignIn authenticates by the e-mail and password hashes. An inactive
// account gets a refreshed activation token with status.ErrNotActivated.
func (s *Service) SignIn(ctx context.Context, emailHash, passwordHash string) (SignInResult, error) {
	emailHash = strings.ToLower(strings.TrimSpace(emailHash))
	passwordHash = strings.ToLower(strings.TrimSpace(passwordHash))
	if emailHash == "" || passwordHash == "" {
		return SignInResult{}, status.ErrInvalidInput
	}

	sess := s.registry.FindUserByCredentialHashes(emailHash, passwordHash)
	if sess == nil {
		u, err := s.store.UserByHashes(ctx, emailHash, passwordHash)
		if err != nil {
			return SignInResult{}, storeErr(err, status.ErrAccountNotFound, "lookup credentials")
		}
		if sess, err = s.LoadSession(ctx, u); err != nil {
			return SignInResult{}, err
		}
	}

	if !sess.State().Activated {
		token, err := s.issueActivation(ctx, sess)
		if err != nil {
			return SignInResult{}, err
		}
		return SignInResult{ActivationToken: token}, status.ErrNotActivated
	}

	now := s.now()
	token, err := s.touch(sess, now, false)
	if err != nil {
		return SignInResult{}, err
	}
	if err := s.store.TouchUser(ctx, sess.ID, now.UTC()); err != nil {
		s.logger.WarnContext(ctx, "record visit failed", "uid", sess.PublicID, "error", err)
	}
	opaque, err := crypt.EncodeTokenHex(token)
	if err != nil {
		return SignInResult{}, fmt.Errorf("encode token: %w", err)
	}
	return SignInResult{UID: sess.PublicID, Token: opaque, Name: sess.Name, Version: loginVersion}, nil
}

// touch records an access at now, rotating the session token when the last
// access is tokenRotateAfter old. With expire set, an access older than
// tokenExpireAfter fails with status.ErrTokenExpired.
func (s *Service) touch(sess *registry.UserSession, now time.Time, expire bool) (string, error) {
	var token string
	err := sess.Update(func(st *registry.SessionState) error {
		age := now.Sub(st.LastAccess)
		if expire && age >= tokenExpireAfter {
			return status.ErrTokenExpired
		}
		if age >= tokenRotateAfter {
			next, err := crypt.RandomHex(16)
			if err != nil {
				return fmt.Errorf("session token: %w", err)
			}
			st.Rotate(next)
		}
		st.LastAccess = now
		token = st.Token
		return nil
	})
	return token, err
}

// Device list payload versions.
const (
	ListVersionBinary = 3
	ListVersionWeb    = 4
)

// WebDevice is one entry of the JSON device list.
type WebDevice struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Status   int       `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
	Flags    uint32    `json:"flags"`
	Build    int64     `json:"build"`
	Version  uint32    `json:"version"`
	Model    byte      `json:"model"`
}

type Login struct {
	UID     string
	Token   string
	Version int

	// binary form
	Devices    string
	SubDevices string

	// web form
	WebDevices    []WebDevice
	WebSubDevices []WebDevice
}

type listEntry struct {
	id    int64
	state registry.DeviceState
	blob  [registry.StatusSize]byte
}

// LoginWithToken refreshes a session and returns the caller's owned and
// shared devices, either as the encrypted binary list or as JSON for web
// clients.
func (s *Service) LoginWithToken(ctx context.Context, uid, token string, web bool) (*Login, error) {
	sess, err := s.session(uid, token, status.ErrTokenMismatch)
	if err != nil {
		return nil, err
	}
	raw, err := s.touch(sess, s.now(), true)
	if err != nil {
		return nil, err
	}
	opaque, err := crypt.EncodeTokenHex(raw)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}

	var owned []listEntry
	for _, rec := range sess.Devices() {
		owned = append(owned, listEntry{id: rec.ID(), state: rec.Snapshot(), blob: rec.StatusBlob()})
	}

	grants, err := s.store.SharedDevicesForAccount(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load shared devices: %w", err)
	}
	var shared []listEntry
	for i := range grants {
		g := &grants[i]
		st := registry.StateFromDevice(&g.Device)
		if rec := s.registry.FindDeviceByID(g.ID); rec != nil {
			st = rec.Snapshot()
		}
		st.Name = g.SharedName
		shared = append(shared, listEntry{id: g.ID, state: st, blob: registry.EncodeStatus(st)})
	}

	out := &Login{UID: sess.PublicID, Token: opaque}
	if web {
		out.Version = ListVersionWeb
		out.WebDevices = webList(owned)
		out.WebSubDevices = webList(shared)
		return out, nil
	}
	key, err := crypt.KeyFromHex(sess.PublicID)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}
	out.Version = ListVersionBinary
	out.Devices = encodeList(owned, key)
	out.SubDevices = encodeList(shared, key)
	return out, nil
}

// encodeList serializes entries as a little-endian int32 count followed by
// an int64 id and status blob per device, encrypted with the device list
// key. An empty list encodes as "".
func encodeList(entries []listEntry, key crypt.Key) string {
	if len(entries) == 0 {
		return ""
	}
	buf := make([]byte, 4, 4+len(entries)*(8+registry.StatusSize))
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.id))
		buf = append(buf, e.blob[:]...)
	}
	crypt.VariantDeviceList.Transform(buf, key)
	return hex.EncodeToString(buf)
}

func webList(entries []listEntry) []WebDevice {
	out := make([]WebDevice, 0, len(entries))
	for _, e := range entries {
		out = append(out, WebDevice{
			ID:       e.id,
			Name:     e.state.Name,
			Status:   int(model.DeviceNormal),
			LastSeen: e.state.LastActive.UTC(),
			Flags:    e.state.Capability,
			Build:    e.state.Firmware,
			Version:  e.state.Version,
			Model:    e.state.Model,
		})
	}
	return out
}
