package hub

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/registry"
)

type testWriter struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (w *testWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, message)
	if w.fail {
		return errors.New("test")
	}
	return nil
}

func (w *testWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	c1 := &Connection{AccountID: "ABCD", Writer: w1}

	h.Register(c1)
	if !h.Connected("abcd") || h.Count() != 1 {
		t.Fatalf("expected connection registered under lower-case id")
	}
	h.Broadcast("abcd", []byte("x"))
	if len(w1.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(w1.writes))
	}

	h.Unregister(c1)
	h.Broadcast("abcd", []byte("x"))
	if len(w1.writes) != 1 {
		t.Fatalf("expected no more writes, got %d", len(w1.writes))
	}
	if h.Connected("abcd") {
		t.Fatalf("expected no connection after unregister")
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	h := New()
	w1 := &testWriter{fail: true}
	c1 := &Connection{AccountID: "u", Writer: w1}
	h.Register(c1)

	h.Broadcast("u", []byte("x"))
	h.Broadcast("u", []byte("x"))
	if len(w1.writes) != 1 {
		t.Fatalf("expected only 1 write before removal, got %d", len(w1.writes))
	}
	if !w1.closed {
		t.Fatalf("expected failed writer closed")
	}
}

const (
	ownerID  = "0123456789abcdef0123456789abcdef"
	shareeID = "fedcba9876543210fedcba9876543210"
	otherID  = "00112233445566778899aabbccddeeff"
)

func TestPublisherFansOutPerRecipient(t *testing.T) {
	reg := registry.New()
	owner, _ := reg.AddUser(registry.NewUserSession(registry.Identity{ID: 1, PublicID: ownerID}, registry.SessionState{Token: "t"}))
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec, _ := reg.EnsureDevice(registry.DeviceState{ID: 9, PublicID: "00000000000000d1", Name: "Desk", LastActive: seen})
	reg.AttachDevice(owner, rec)
	reg.AddSharedAccount(rec, shareeID)

	h := New()
	ow, sw, xw := &testWriter{}, &testWriter{}, &testWriter{}
	h.Register(&Connection{AccountID: ownerID, Writer: ow})
	h.Register(&Connection{AccountID: shareeID, Writer: sw})
	h.Register(&Connection{AccountID: otherID, Writer: xw})

	NewPublisher(h, reg, nil).DeviceSeen(context.Background(), rec)

	if len(xw.writes) != 0 {
		t.Fatalf("expected unrelated account to receive nothing")
	}
	for id, w := range map[string]*testWriter{ownerID: ow, shareeID: sw} {
		if len(w.writes) != 1 {
			t.Fatalf("expected one event for %s, got %d", id, len(w.writes))
		}
		var ev Event
		if err := json.Unmarshal(w.writes[0], &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != EventDeviceStatus || ev.DeviceID != 9 || !ev.LastSeen.Equal(seen) {
			t.Fatalf("unexpected event %+v", ev)
		}
		raw, err := hex.DecodeString(ev.Status)
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		key, _ := crypt.KeyFromHex(id)
		crypt.VariantDeviceList.Transform(raw, key)
		st, err := registry.DecodeStatus(raw)
		if err != nil || st.Name != "Desk" || st.PublicID != "00000000000000d1" {
			t.Fatalf("expected blob readable with recipient key, got %+v (%v)", st, err)
		}
	}
	if string(ow.writes[0]) == string(sw.writes[0]) {
		t.Fatalf("expected per-recipient encryption")
	}
}
