package registry

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"
)

func sampleState() DeviceState {
	s := DeviceState{
		ID:         42,
		PublicID:   "0123456789abcdef",
		Name:       "Living room",
		Model:      3,
		Capability: 0xA0B0C0D0,
		Firmware:   20240102030405,
		Version:    0x01020304,
		NatType:    2,
		NatType6:   5,
		LastActive: time.Date(2026, 3, 4, 5, 6, 7, 800, time.UTC),
	}
	for i := range s.LocalAddr {
		s.LocalAddr[i] = byte(i)
		s.LocalAddr6[i] = byte(i + 1)
		s.RemoteAddr[i] = byte(i + 2)
		s.RemoteAddr6[i] = byte(i + 3)
	}
	return s
}

func TestStatusBlobRoundTrip(t *testing.T) {
	s := sampleState()
	blob := EncodeStatus(s)
	got, err := DecodeStatus(blob[:])
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	want := s
	want.ID = 0
	if !got.LastActive.Equal(want.LastActive) {
		t.Fatalf("expected liveness %v, got %v", want.LastActive, got.LastActive)
	}
	got.LastActive, want.LastActive = time.Time{}, time.Time{}
	if got != want {
		t.Fatalf("round trip mismatch:\nwant %+v\n got %+v", want, got)
	}
}

func TestStatusBlobOffsets(t *testing.T) {
	s := sampleState()
	b := EncodeStatus(s)

	if !bytes.Equal(b[0:8], []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}) {
		t.Fatalf("unexpected id bytes %x", b[0:8])
	}
	if string(b[8:19]) != "Living room" || b[19] != 0 {
		t.Fatalf("unexpected name bytes %q", b[8:40])
	}
	if got := binary.LittleEndian.Uint32(b[48:52]); got != s.Capability {
		t.Fatalf("capability %x", got)
	}
	if got := int64(binary.LittleEndian.Uint64(b[52:60])); got != s.Firmware {
		t.Fatalf("firmware %d", got)
	}
	if got := binary.LittleEndian.Uint32(b[60:64]); got != s.Version {
		t.Fatalf("version %x", got)
	}
	if b[64] != 3 || b[121] != 2 || b[122] != 5 {
		t.Fatalf("unexpected model/nat bytes %d %d %d", b[64], b[121], b[122])
	}
	if b[65] != 0 || b[93] != 1 || b[123] != 2 || b[151] != 3 || b[178] != 30 {
		t.Fatalf("unexpected address placement")
	}
}

func TestStatusBlobTicks(t *testing.T) {
	b := EncodeStatus(DeviceState{LastActive: time.Unix(0, 0)})
	if got := int64(binary.LittleEndian.Uint64(b[40:48])); got != unixEpochTicks {
		t.Fatalf("expected unix epoch ticks, got %d", got)
	}
	b = EncodeStatus(DeviceState{})
	if got := binary.LittleEndian.Uint64(b[40:48]); got != 0 {
		t.Fatalf("expected zero ticks for zero time, got %d", got)
	}
}

func TestStatusBlobNameTruncated(t *testing.T) {
	s := DeviceState{Name: strings.Repeat("n", 40)}
	got, err := DecodeStatus(func() []byte { b := EncodeStatus(s); return b[:] }())
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if got.Name != strings.Repeat("n", NameSize) {
		t.Fatalf("expected truncated name, got %q", got.Name)
	}
}

func TestDecodeStatusLength(t *testing.T) {
	if _, err := DecodeStatus(make([]byte, StatusSize-1)); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestMutateRegeneratesBlob(t *testing.T) {
	d := newDeviceRecord(sampleState())
	d.Mutate(func(s *DeviceState) {
		s.Name = "Office"
		s.ID = 999
		s.PublicID = "ffffffffffffffff"
	})
	blob := d.StatusBlob()
	got, _ := DecodeStatus(blob[:])
	if got.Name != "Office" {
		t.Fatalf("expected regenerated blob, got name %q", got.Name)
	}
	if d.Snapshot().ID != 42 || got.PublicID != "0123456789abcdef" {
		t.Fatalf("expected identity preserved")
	}
}

func TestDrainConsumesOnce(t *testing.T) {
	d := newDeviceRecord(DeviceState{ID: 1, PublicID: "01"})
	d.SetPendingNat([]byte{1, 2, 3})
	d.SetPendingNat([]byte{4, 5})
	d.SetPendingWol([]byte{1})

	out := d.Drain(AccountsWhenDirty)
	if !bytes.Equal(out.NAT, []byte{4, 5}) || !bytes.Equal(out.WOL, []byte{1}) || out.Reboot || out.HasAccounts {
		t.Fatalf("unexpected delivery %+v", out)
	}
	out = d.Drain(AccountsWhenDirty)
	if out.NAT != nil || out.WOL != nil {
		t.Fatalf("expected commands consumed, got %+v", out)
	}
}

func TestDrainRebootPreempts(t *testing.T) {
	d := newDeviceRecord(DeviceState{ID: 1, PublicID: "01"})
	d.addShared("0a")
	d.SetPendingWol([]byte{1})
	d.SetPendingNat([]byte{2})
	d.RequestReboot()

	out := d.Drain(AccountsWhenKnown)
	if !out.Reboot || out.NAT != nil || out.WOL != nil || out.HasAccounts {
		t.Fatalf("expected reboot only, got %+v", out)
	}
	if p := d.Pending(); p.Reboot || p.NAT != nil || p.WOL != nil {
		t.Fatalf("expected pending commands cleared, got %+v", p)
	}
	if !d.SharedDirty() {
		t.Fatalf("expected sharing set left for the next poll")
	}
}

func TestDrainAccountsPolicy(t *testing.T) {
	d := newDeviceRecord(DeviceState{ID: 1, PublicID: "01"})
	d.addShared("0a")

	if out := d.Drain(AccountsWhenDirty); !out.HasAccounts || len(out.Accounts) != 1 {
		t.Fatalf("expected dirty set delivered, got %+v", out)
	}
	if out := d.Drain(AccountsWhenDirty); out.HasAccounts {
		t.Fatalf("expected clean set withheld, got %+v", out)
	}
	if out := d.Drain(AccountsWhenKnown); !out.HasAccounts {
		t.Fatalf("expected non-empty set delivered, got %+v", out)
	}

	d.removeShared("0a")
	out := d.Drain(AccountsWhenKnown)
	if !out.HasAccounts || len(out.Accounts) != 0 {
		t.Fatalf("expected emptied set delivered once, got %+v", out)
	}
	if out := d.Drain(AccountsWhenKnown); out.HasAccounts {
		t.Fatalf("expected empty clean set withheld, got %+v", out)
	}
}
