package registry

import (
	"strings"
	"sync"
	"time"
)

// Identity is the immutable part of an account.
type Identity struct {
	ID           int64
	PublicID     string
	Name         string
	Email        string
	EmailHash    string
	PasswordHash string
}

// Verification is an outstanding e-mailed code.
type Verification struct {
	Token    string
	Code     string
	IssuedAt time.Time
}

func (v Verification) Empty() bool { return v.Token == "" || v.Code == "" }

// SessionState is the mutable part of a session.
type SessionState struct {
	Activated     bool
	Token         string
	PreviousToken string
	LastAccess    time.Time
	Activation    Verification
	Deactivation  Verification
}

// Rotate makes token current and keeps the old one for hand-off.
func (s *SessionState) Rotate(token string) {
	s.PreviousToken = s.Token
	s.Token = token
}

// UserSession is the cached view of one account.
//
// mu guards state and is a leaf lock. devMu guards devices and is taken
// after the registry lock and before any record lock.
type UserSession struct {
	Identity

	mu    sync.Mutex
	state SessionState

	devMu   sync.Mutex
	devices []*DeviceRecord
}

func NewUserSession(id Identity, state SessionState) *UserSession {
	id.PublicID = strings.ToLower(id.PublicID)
	id.EmailHash = strings.ToLower(id.EmailHash)
	id.PasswordHash = strings.ToLower(id.PasswordHash)
	state.Token = strings.ToLower(state.Token)
	return &UserSession{Identity: id, state: state}
}

func (u *UserSession) State() SessionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UserSession) Token() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.Token
}

// Update runs fn with exclusive access to the session state. fn must not
// call back into the registry.
func (u *UserSession) Update(fn func(s *SessionState) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fn(&u.state)
}

func (u *UserSession) hasToken(token string, previous bool) bool {
	if token == "" {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if strings.EqualFold(u.state.Token, token) {
		return true
	}
	return previous && u.state.PreviousToken != "" && strings.EqualFold(u.state.PreviousToken, token)
}

// Devices returns a copy of the owned device list in attach order.
func (u *UserSession) Devices() []*DeviceRecord {
	u.devMu.Lock()
	defer u.devMu.Unlock()
	return append([]*DeviceRecord(nil), u.devices...)
}

func (u *UserSession) indexDevice(d *DeviceRecord) int {
	for i, cur := range u.devices {
		if cur == d {
			return i
		}
	}
	return -1
}

// caller holds u.devMu
func (u *UserSession) removeDevice(d *DeviceRecord) bool {
	i := u.indexDevice(d)
	if i < 0 {
		return false
	}
	u.devices = append(u.devices[:i], u.devices[i+1:]...)
	return true
}
