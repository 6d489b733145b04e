// Package relay queues client commands for delivery on a device's next poll.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/model"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
	"viewer-relay/internal/store"
)

// WolSize is the length of a queued Wake-on-LAN payload.
const WolSize = 9

var tracer = otel.Tracer("viewer-relay/relay")

var macSeparator = regexp.MustCompile(`[:-]`)

// SharedDevices finds a device reachable by an account through an approved
// sharing grant.
type SharedDevices interface {
	SharedDeviceForAccount(ctx context.Context, accountID, deviceID int64) (*model.Device, error)
}

type Relay struct {
	registry *registry.Registry
	shared   SharedDevices
	logger   *slog.Logger
}

func New(reg *registry.Registry, shared SharedDevices, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{registry: reg, shared: shared, logger: logger}
}

// WolSpec is the client's JSON description of a wake request.
type WolSpec struct {
	Type int    `json:"type"`
	MAC  string `json:"mac"`
}

// Command is one request_device call.
type Command struct {
	DeviceID string
	Kind     string
	Payload  string
}

func (r *Relay) authenticate(uid, token string) (*registry.UserSession, error) {
	u, err := r.registry.Authenticate(uid, token)
	if err != nil {
		return nil, status.ErrTokenExpired
	}
	return u, nil
}

// resolve finds deviceID among the caller's own devices, then through the
// caller's sharing grants.
func (r *Relay) resolve(ctx context.Context, u *registry.UserSession, deviceID int64) (*registry.DeviceRecord, error) {
	if d := r.registry.FindDeviceInUserByID(u, deviceID); d != nil {
		return d, nil
	}
	if r.shared == nil {
		return nil, status.ErrDeviceNotFound
	}
	dev, err := r.shared.SharedDeviceForAccount(ctx, u.ID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, status.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("shared device lookup: %w", err)
	}
	if d := r.registry.FindDeviceByID(dev.ID); d != nil {
		return d, nil
	}
	d, _ := r.registry.EnsureDevice(registry.StateFromDevice(dev))
	return d, nil
}

func (r *Relay) target(ctx context.Context, uid, token string, deviceID int64) (*registry.DeviceRecord, error) {
	u, err := r.authenticate(uid, token)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, u, deviceID)
}

func accountKey(uid string) (crypt.Key, error) {
	k, err := crypt.KeyFromHex(uid)
	if err != nil {
		return crypt.Key{}, status.Wrap(status.InvalidParameters, err)
	}
	return k, nil
}

// RequestNat queues the client's encrypted address payload. The payload is
// hex and is decrypted with the caller's account key before it is stored.
func (r *Relay) RequestNat(ctx context.Context, uid, token string, deviceID int64, payload string) error {
	ctx, span := tracer.Start(ctx, "relay.nat", trace.WithAttributes(attribute.Int64("device.id", deviceID)))
	defer span.End()

	d, err := r.target(ctx, uid, token, deviceID)
	if err != nil {
		return err
	}
	nat, err := hex.DecodeString(payload)
	if err != nil {
		return status.Wrap(status.InvalidParameters, err)
	}
	key, err := accountKey(uid)
	if err != nil {
		return err
	}
	crypt.VariantAccount.Transform(nat, key)
	d.SetPendingNat(nat)
	r.logger.InfoContext(ctx, "nat requested", "device", d.PublicID())
	return nil
}

func (r *Relay) RequestWol(ctx context.Context, uid, token string, deviceID int64, spec WolSpec) error {
	ctx, span := tracer.Start(ctx, "relay.wol", trace.WithAttributes(attribute.Int64("device.id", deviceID)))
	defer span.End()

	d, err := r.target(ctx, uid, token, deviceID)
	if err != nil {
		return err
	}
	wol, err := EncodeWol(spec)
	if err != nil {
		return err
	}
	d.SetPendingWol(wol)
	r.logger.InfoContext(ctx, "wol requested", "device", d.PublicID())
	return nil
}

func (r *Relay) RequestReboot(ctx context.Context, uid, token string, deviceID int64) error {
	ctx, span := tracer.Start(ctx, "relay.reboot", trace.WithAttributes(attribute.Int64("device.id", deviceID)))
	defer span.End()

	d, err := r.target(ctx, uid, token, deviceID)
	if err != nil {
		return err
	}
	d.RequestReboot()
	r.logger.InfoContext(ctx, "reboot requested", "device", d.PublicID())
	return nil
}

// Dispatch routes a request_device call by kind.
func (r *Relay) Dispatch(ctx context.Context, uid, token string, cmd Command) error {
	if uid == "" || token == "" || cmd.Kind == "" {
		return status.ErrInvalidInput
	}
	id, err := strconv.ParseInt(cmd.DeviceID, 10, 64)
	if err != nil {
		return status.Wrap(status.InvalidParameters, err)
	}
	switch cmd.Kind {
	case "nat":
		return r.RequestNat(ctx, uid, token, id, cmd.Payload)
	case "wol":
		var spec WolSpec
		if err := json.Unmarshal([]byte(cmd.Payload), &spec); err != nil {
			return status.Wrap(status.InvalidParameters, err)
		}
		return r.RequestWol(ctx, uid, token, id, spec)
	case "reboot":
		return r.RequestReboot(ctx, uid, token, id)
	default:
		return status.ErrInvalidInput
	}
}

// AcceptConnection is the device side acknowledging a NAT request: any
// queued NAT payload is dropped. encryptedDeviceID is the device's public id
// encrypted with the account key.
func (r *Relay) AcceptConnection(ctx context.Context, uid, token, encryptedDeviceID string) error {
	if uid == "" || token == "" || encryptedDeviceID == "" {
		return status.ErrInvalidInput
	}
	u, err := r.authenticate(uid, token)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(encryptedDeviceID)
	if err != nil {
		return status.Wrap(status.InvalidParameters, err)
	}
	key, err := accountKey(uid)
	if err != nil {
		return err
	}
	crypt.VariantAccount.Transform(raw, key)
	if d := r.registry.FindDeviceInUser(u, hex.EncodeToString(raw)); d != nil {
		d.ClearPendingNat()
	}
	return nil
}

// EncodeWol builds the nine-byte wake payload. Type 1 carries a MAC address
// in bytes 1 to 6; any other type queues zeros.
func EncodeWol(spec WolSpec) ([]byte, error) {
	wol := make([]byte, WolSize)
	if spec.Type != 1 {
		return wol, nil
	}
	wol[0] = 1
	if spec.MAC == "" {
		return wol, nil
	}
	mac, err := parseMAC(spec.MAC)
	if err != nil {
		return nil, err
	}
	copy(wol[1:7], mac)
	return wol, nil
}

func parseMAC(s string) ([]byte, error) {
	segs := macSeparator.Split(s, -1)
	if len(segs) != 6 {
		return nil, status.ErrInvalidInput
	}
	mac := make([]byte, 6)
	for i, seg := range segs {
		b, err := strconv.ParseUint(seg, 16, 8)
		if err != nil {
			return nil, status.Wrap(status.InvalidParameters, err)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}
