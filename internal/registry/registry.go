// Package registry is the process-wide cache of account sessions and live
// device records shared by the heartbeat and client endpoints.
//
// Three lock scopes exist: the registry itself, each session's device list,
// and each device record. When more than one is held they are acquired in
// that order. Session state (tokens, codes) sits behind a separate leaf lock.
package registry

import (
	"strings"
	"sync"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/status"
)

type Registry struct {
	mu sync.RWMutex

	usersByPublicID   map[string]*UserSession
	devicesByPublicID map[string]*DeviceRecord
	devicesByID       map[int64]*DeviceRecord
	owners            map[*DeviceRecord]*UserSession
}

func New() *Registry {
	return &Registry{
		usersByPublicID:   make(map[string]*UserSession),
		devicesByPublicID: make(map[string]*DeviceRecord),
		devicesByID:       make(map[int64]*DeviceRecord),
		owners:            make(map[*DeviceRecord]*UserSession),
	}
}

type Stats struct {
	Users   int `json:"users"`
	Devices int `json:"devices"`
	Owned   int `json:"owned"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Users: len(r.usersByPublicID), Devices: len(r.devicesByPublicID), Owned: len(r.owners)}
}

// AddUser caches u unless a session with the same public id exists, in which
// case the existing one is returned with added=false.
func (r *Registry) AddUser(u *UserSession) (session *UserSession, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.usersByPublicID[u.PublicID]; ok {
		return cur, false
	}
	r.usersByPublicID[u.PublicID] = u
	return u, true
}

// RemoveUser evicts a session together with the devices it owns.
func (r *Registry) RemoveUser(publicID string) *UserSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usersByPublicID[strings.ToLower(publicID)]
	if !ok {
		return nil
	}
	delete(r.usersByPublicID, u.PublicID)

	u.devMu.Lock()
	for _, d := range u.devices {
		if r.owners[d] == u {
			r.forgetLocked(d)
		}
	}
	u.devices = nil
	u.devMu.Unlock()
	return u
}

func (r *Registry) FindUserByPublicID(publicID string) *UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usersByPublicID[strings.ToLower(publicID)]
}

func (r *Registry) FindUserByCredentialHashes(emailHash, passwordHash string) *UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.usersByPublicID {
		if strings.EqualFold(u.EmailHash, emailHash) && strings.EqualFold(u.PasswordHash, passwordHash) {
			return u
		}
	}
	return nil
}

// FindUserByActivation finds the session holding an outstanding activation
// with this token and code.
func (r *Registry) FindUserByActivation(token, code string) *UserSession {
	if token == "" || code == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.usersByPublicID {
		a := u.State().Activation
		if a.Token == token && a.Code == code {
			return u
		}
	}
	return nil
}

func (r *Registry) FindUserByToken(token string) *UserSession {
	return r.findUserByToken(token, false)
}

func (r *Registry) FindUserByPreviousOrCurrentToken(token string) *UserSession {
	return r.findUserByToken(token, true)
}

func (r *Registry) findUserByToken(token string, previous bool) *UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.usersByPublicID {
		if u.hasToken(token, previous) {
			return u
		}
	}
	return nil
}

// Authenticate resolves the session of publicID and checks the opaque
// client token against its current token.
func (r *Registry) Authenticate(publicID, opaqueToken string) (*UserSession, error) {
	u := r.FindUserByPublicID(publicID)
	if u == nil {
		return nil, status.ErrTokenMismatch
	}
	token, err := crypt.DecodeTokenHex(opaqueToken)
	if err != nil || !u.hasToken(token, false) {
		return nil, status.ErrTokenMismatch
	}
	return u, nil
}

func (r *Registry) FindDeviceInUser(u *UserSession, publicDeviceID string) *DeviceRecord {
	u.devMu.Lock()
	defer u.devMu.Unlock()
	for _, d := range u.devices {
		if strings.EqualFold(d.publicID, publicDeviceID) {
			return d
		}
	}
	return nil
}

func (r *Registry) FindDeviceInUserByID(u *UserSession, id int64) *DeviceRecord {
	u.devMu.Lock()
	defer u.devMu.Unlock()
	for _, d := range u.devices {
		if d.id == id {
			return d
		}
	}
	return nil
}

// FindDeviceByNonce finds the device of u whose last issued nonce is nonce.
func (r *Registry) FindDeviceByNonce(u *UserSession, nonce string) *DeviceRecord {
	u.devMu.Lock()
	defer u.devMu.Unlock()
	for _, d := range u.devices {
		if d.matchesNonce(nonce) {
			return d
		}
	}
	return nil
}

func (r *Registry) FindDeviceGlobally(publicDeviceID string) *DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devicesByPublicID[strings.ToLower(publicDeviceID)]
}

func (r *Registry) FindDeviceByID(id int64) *DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devicesByID[id]
}

// EnsureDevice returns the global record for s.PublicID, creating it from s
// when absent.
func (r *Registry) EnsureDevice(s DeviceState) (record *DeviceRecord, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devicesByPublicID[strings.ToLower(s.PublicID)]; ok {
		return d, false
	}
	d := newDeviceRecord(s)
	r.indexLocked(d)
	return d, true
}

// AttachDevice makes u the only owner of d, removing it from the list of a
// previous owner first.
func (r *Registry) AttachDevice(u *UserSession, d *DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexLocked(d)

	if old := r.owners[d]; old != nil && old != u {
		old.devMu.Lock()
		old.removeDevice(d)
		old.devMu.Unlock()
	}

	u.devMu.Lock()
	if u.indexDevice(d) < 0 {
		u.devices = append(u.devices, d)
	}
	u.devMu.Unlock()
	r.owners[d] = u
}

// DetachDevice removes d from u. If u owned d the record also leaves the
// global index.
func (r *Registry) DetachDevice(u *UserSession, d *DeviceRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.devMu.Lock()
	removed := u.removeDevice(d)
	u.devMu.Unlock()

	if r.owners[d] == u {
		r.forgetLocked(d)
	}
	return removed
}

// OwnerOf returns the session that currently owns d, if cached.
func (r *Registry) OwnerOf(d *DeviceRecord) *UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[d]
}

// Audience lists the public ids of every account that may see d: the owner
// first, then the sharing set.
func (r *Registry) Audience(d *DeviceRecord) []string {
	var ids []string
	if owner := r.OwnerOf(d); owner != nil {
		ids = append(ids, owner.PublicID)
	}
	return append(ids, d.SharedAccounts()...)
}

func (r *Registry) AddSharedAccount(d *DeviceRecord, accountPublicID string) bool {
	return d.addShared(accountPublicID)
}

func (r *Registry) RemoveSharedAccount(d *DeviceRecord, accountPublicID string) bool {
	return d.removeShared(accountPublicID)
}

func (r *Registry) indexLocked(d *DeviceRecord) {
	r.devicesByPublicID[d.publicID] = d
	if d.id != 0 {
		r.devicesByID[d.id] = d
	}
}

func (r *Registry) forgetLocked(d *DeviceRecord) {
	delete(r.owners, d)
	if r.devicesByPublicID[d.publicID] == d {
		delete(r.devicesByPublicID, d.publicID)
	}
	if r.devicesByID[d.id] == d {
		delete(r.devicesByID, d.id)
	}
}
