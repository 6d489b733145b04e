package registry

import (
	"strings"
	"sync"
)

// DeviceRecord is the live state of one device. Every field is guarded by
// mu; the status blob is regenerated under the same lock as the mutation
// that invalidates it.
type DeviceRecord struct {
	id       int64
	publicID string

	mu          sync.Mutex
	state       DeviceState
	blob        [StatusSize]byte
	nonce       string
	shared      []string
	sharedDirty bool
	nat         []byte
	wol         []byte
	reboot      bool
}

func newDeviceRecord(s DeviceState) *DeviceRecord {
	s.PublicID = strings.ToLower(s.PublicID)
	d := &DeviceRecord{id: s.ID, publicID: s.PublicID, state: s}
	d.blob = EncodeStatus(s)
	return d
}

func (d *DeviceRecord) ID() int64 { return d.id }

func (d *DeviceRecord) PublicID() string { return d.publicID }

func (d *DeviceRecord) Snapshot() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Mutate applies fn to the record's fields and regenerates the status blob
// before the lock is released. Identity fields cannot be changed.
func (d *DeviceRecord) Mutate(fn func(s *DeviceState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.state)
	d.state.ID, d.state.PublicID = d.id, d.publicID
	d.blob = EncodeStatus(d.state)
}

func (d *DeviceRecord) StatusBlob() [StatusSize]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blob
}

func (d *DeviceRecord) Nonce() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nonce
}

func (d *DeviceRecord) SetNonce(nonce string) {
	d.mu.Lock()
	d.nonce = strings.ToLower(nonce)
	d.mu.Unlock()
}

func (d *DeviceRecord) matchesNonce(nonce string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nonce != "" && strings.EqualFold(d.nonce, nonce)
}

func (d *DeviceRecord) SharedAccounts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.shared...)
}

func (d *DeviceRecord) HasSharedAccount(accountID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indexShared(accountID) >= 0
}

func (d *DeviceRecord) indexShared(accountID string) int {
	for i, id := range d.shared {
		if strings.EqualFold(id, accountID) {
			return i
		}
	}
	return -1
}

func (d *DeviceRecord) addShared(accountID string) bool {
	if accountID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.indexShared(accountID) >= 0 {
		return false
	}
	d.shared = append(d.shared, strings.ToLower(accountID))
	d.sharedDirty = true
	return true
}

func (d *DeviceRecord) removeShared(accountID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexShared(accountID)
	if i < 0 {
		return false
	}
	d.shared = append(d.shared[:i], d.shared[i+1:]...)
	d.sharedDirty = true
	return true
}

// MarkSharedDirty forces the sharing set onto the next poll response.
func (d *DeviceRecord) MarkSharedDirty() {
	d.mu.Lock()
	d.sharedDirty = true
	d.mu.Unlock()
}

func (d *DeviceRecord) SharedDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sharedDirty
}

// SetPendingNat replaces any queued NAT-connect payload.
func (d *DeviceRecord) SetPendingNat(payload []byte) {
	d.mu.Lock()
	d.nat = append([]byte(nil), payload...)
	d.mu.Unlock()
}

// SetPendingWol replaces any queued Wake-on-LAN payload.
func (d *DeviceRecord) SetPendingWol(payload []byte) {
	d.mu.Lock()
	d.wol = append([]byte(nil), payload...)
	d.mu.Unlock()
}

func (d *DeviceRecord) RequestReboot() {
	d.mu.Lock()
	d.reboot = true
	d.mu.Unlock()
}

func (d *DeviceRecord) ClearPendingNat() {
	d.mu.Lock()
	d.nat = nil
	d.mu.Unlock()
}

// Pending reports the queued commands without consuming them.
func (d *DeviceRecord) Pending() Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Delivery{
		Reboot: d.reboot,
		NAT:    append([]byte(nil), d.nat...),
		WOL:    append([]byte(nil), d.wol...),
	}
}

// AccountsPolicy decides when the sharing set rides along with a poll.
type AccountsPolicy int

const (
	// AccountsWhenDirty sends the set only after it changed.
	AccountsWhenDirty AccountsPolicy = iota
	// AccountsWhenKnown also sends a non-empty unchanged set.
	AccountsWhenKnown
)

// Delivery is what one poll takes from a record.
type Delivery struct {
	Reboot      bool
	NAT         []byte
	WOL         []byte
	HasAccounts bool
	Accounts    []string
}

// Drain consumes the pending commands. A pending reboot clears NAT and WOL
// and is delivered alone, leaving the sharing set untouched.
func (d *DeviceRecord) Drain(policy AccountsPolicy) Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reboot {
		d.reboot = false
		d.nat = nil
		d.wol = nil
		return Delivery{Reboot: true}
	}

	var out Delivery
	if d.sharedDirty || (policy == AccountsWhenKnown && len(d.shared) > 0) {
		out.HasAccounts = true
		out.Accounts = append([]string(nil), d.shared...)
		d.sharedDirty = false
	}
	out.NAT, d.nat = d.nat, nil
	out.WOL, d.wol = d.wol, nil
	return out
}
