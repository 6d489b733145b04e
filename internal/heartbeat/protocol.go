// Package heartbeat implements the device poll: authenticate the device,
// refresh its liveness and network record, and hand back queued commands.
package heartbeat

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
)

// payload sizes in bytes, per version
const (
	sizeV1     = 1 + crypt.KeySize + recordSize
	sizeV2     = 24
	sizeV3     = 40
	recordSize = 154
)

// fixedKeyV2 is shared by every v2 and v3 client.
var fixedKeyV2 = crypt.Key{
	0x1A, 0x2B, 0x3C, 0x4D, 0x5E, 0x6F, 0x7A, 0x8B,
	0x9C, 0xAD, 0xBE, 0xCF, 0xD0, 0xE1, 0xF2, 0x03,
}

var tracer = otel.Tracer("viewer-relay/heartbeat")

type Request struct {
	Version int    `json:"v"`
	Payload string `json:"payload"`
}

type Response struct {
	Status   status.Code `json:"status"`
	Token    string      `json:"token,omitempty"`
	Nonce    string      `json:"nonce,omitempty"`
	Reboot   string      `json:"reboot,omitempty"`
	Accounts *string     `json:"accounts,omitempty"`
	NAT      string      `json:"nat,omitempty"`
	WOL      string      `json:"wol,omitempty"`
}

// Loader repopulates the registry from durable storage on a cache miss. It
// reports unknown accounts or devices with the status not-found errors.
type Loader interface {
	LoadDeviceOwner(ctx context.Context, accountID, deviceID string) (*registry.UserSession, *registry.DeviceRecord, error)
	LoadUser(ctx context.Context, accountID string) (*registry.UserSession, error)
}

// Observer is told about every completed v1 poll.
type Observer interface {
	DeviceSeen(ctx context.Context, d *registry.DeviceRecord)
}

type Options struct {
	Registry *registry.Registry
	Loader   Loader
	Guard    *Guard
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
	Nonce    func() (string, error)
}

type Protocol struct {
	registry *registry.Registry
	loader   Loader
	guard    *Guard
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	nonce    func() (string, error)
}

func New(opts Options) *Protocol {
	p := &Protocol{
		registry: opts.Registry,
		loader:   opts.Loader,
		guard:    opts.Guard,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
		nonce:    opts.Nonce,
	}
	if p.guard == nil {
		p.guard = NewGuard(time.Minute)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.nonce == nil {
		p.nonce = func() (string, error) { return crypt.RandomHex(8) }
	}
	return p
}

// Handle processes one poll from remoteAddr. Failures are reported through
// Response.Status only.
func (p *Protocol) Handle(ctx context.Context, req Request, remoteAddr string) Response {
	ctx, span := tracer.Start(ctx, "heartbeat.poll", trace.WithAttributes(attribute.Int("heartbeat.version", req.Version)))
	defer span.End()

	resp, err := p.handle(ctx, req, remoteAddr)
	if err == nil {
		return resp
	}
	code := status.CodeOf(err)
	span.SetAttributes(attribute.Int("heartbeat.status", int(code)))
	if code == status.Exception {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat failed")
		p.logger.ErrorContext(ctx, "heartbeat failed", "version", req.Version, "remote_addr", remoteAddr, "error", err)
	} else {
		p.logger.DebugContext(ctx, "heartbeat rejected", "version", req.Version, "remote_addr", remoteAddr, "status", int(code))
	}
	return Response{Status: code}
}

func (p *Protocol) handle(ctx context.Context, req Request, remoteAddr string) (Response, error) {
	want := 0
	switch req.Version {
	case 1:
		want = sizeV1
	case 2:
		want = sizeV2
	case 3:
		want = sizeV3
	default:
		return Response{}, status.ErrInvalidInput
	}
	if len(req.Payload) != want*2 {
		return Response{}, status.ErrInvalidInput
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		return Response{}, status.Wrap(status.InvalidParameters, err)
	}

	switch req.Version {
	case 1:
		return p.pollV1(ctx, payload, remoteAddr)
	case 2:
		return p.pollV2(ctx, payload)
	default:
		return p.pollV3(ctx, payload)
	}
}

type record struct {
	account    string
	device     string
	firmware   int64
	version    uint32
	capability uint32
	local      registry.Address
	local6     registry.Address
	nat        byte
	nat6       byte
	remote     registry.Address
	remote6    registry.Address
}

func parseRecord(b []byte) record {
	var r record
	r.account = hex.EncodeToString(b[0:16])
	r.device = hex.EncodeToString(b[16:24])
	r.firmware = int64(binary.LittleEndian.Uint64(b[24:32]))
	r.version = binary.LittleEndian.Uint32(b[32:36])
	r.capability = binary.LittleEndian.Uint32(b[36:40])
	copy(r.local[:], b[40:68])
	copy(r.local6[:], b[68:96])
	r.nat = b[96]
	r.nat6 = b[97]
	copy(r.remote[:], b[98:126])
	copy(r.remote6[:], b[126:154])
	return r
}

func (p *Protocol) pollV1(ctx context.Context, payload []byte, remoteAddr string) (Response, error) {
	var raw crypt.Key
	copy(raw[:], payload[1:1+crypt.KeySize])
	key := crypt.HeartbeatKey(raw)
	data := payload[1+crypt.KeySize:]
	crypt.Transform(data, key)
	rec := parseRecord(data)

	user, dev, err := p.lookupV1(ctx, rec, remoteAddr)
	if err != nil {
		return Response{}, err
	}

	now := p.now()
	dev.Mutate(func(s *registry.DeviceState) {
		s.LocalAddr = rec.local
		s.LocalAddr6 = rec.local6
		s.RemoteAddr = rec.remote
		s.RemoteAddr6 = rec.remote6
		s.NatType = rec.nat
		s.NatType6 = rec.nat6
		s.Firmware = rec.firmware
		s.Version = rec.version
		s.Capability = rec.capability
		s.LastActive = now
	})
	nonce, err := p.nonce()
	if err != nil {
		return Response{}, fmt.Errorf("nonce: %w", err)
	}
	dev.SetNonce(nonce)
	if p.observer != nil {
		p.observer.DeviceSeen(ctx, dev)
	}

	resp := Response{Status: status.Success, Token: user.Token(), Nonce: nonce}
	out := dev.Drain(registry.AccountsWhenKnown)
	if out.Reboot {
		resp.Reboot = "1"
		return resp, nil
	}
	attach(&resp, out, key)
	return resp, nil
}

func (p *Protocol) lookupV1(ctx context.Context, rec record, remoteAddr string) (*registry.UserSession, *registry.DeviceRecord, error) {
	if user := p.registry.FindUserByPublicID(rec.account); user != nil {
		if dev := p.registry.FindDeviceInUser(user, rec.device); dev != nil {
			return user, dev, nil
		}
	}

	if p.guard.Blocked(remoteAddr) {
		return nil, nil, status.ErrDeviceNotFound
	}
	if p.loader == nil {
		return nil, nil, status.ErrDeviceNotFound
	}
	user, dev, err := p.loader.LoadDeviceOwner(ctx, rec.account, rec.device)
	if err != nil {
		if status.IsNotFound(err) {
			p.guard.Mark(remoteAddr)
			p.logger.InfoContext(ctx, "unknown device polled", "account", rec.account, "device", rec.device, "remote_addr", remoteAddr)
			return nil, nil, status.ErrDeviceNotFound
		}
		return nil, nil, fmt.Errorf("load device owner: %w", err)
	}
	p.guard.Clear(remoteAddr)
	return user, dev, nil
}

// lookupLight resolves the session and device named by a decrypted v2/v3
// payload.
func (p *Protocol) lookupLight(payload []byte) (*registry.UserSession, *registry.DeviceRecord, error) {
	token := hex.EncodeToString(payload[0:16])
	nonce := hex.EncodeToString(payload[16:24])

	// an unknown token and an unknown nonce answer the same code
	user := p.registry.FindUserByPreviousOrCurrentToken(token)
	if user == nil {
		return nil, nil, status.ErrDeviceNotFound
	}
	dev := p.registry.FindDeviceByNonce(user, nonce)
	if dev == nil {
		return nil, nil, status.ErrDeviceNotFound
	}
	now := p.now()
	dev.Mutate(func(s *registry.DeviceState) { s.LastActive = now })
	return user, dev, nil
}

func (p *Protocol) pollV2(ctx context.Context, payload []byte) (Response, error) {
	crypt.Transform(payload, fixedKeyV2)
	_, dev, err := p.lookupLight(payload)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Status: status.Success}
	out := dev.Drain(registry.AccountsWhenDirty)
	if out.Reboot {
		resp.Reboot = "1"
		return resp, nil
	}
	var subKey crypt.Key
	copy(subKey[:], payload[8:24])
	attach(&resp, out, subKey)
	return resp, nil
}

func (p *Protocol) pollV3(ctx context.Context, payload []byte) (Response, error) {
	crypt.Transform(payload, fixedKeyV2)
	_, dev, err := p.lookupLight(payload)
	if err != nil {
		return Response{}, err
	}

	target := hex.EncodeToString(payload[24:40])
	if !dev.HasSharedAccount(target) {
		return Response{}, status.ErrAccountNotFound
	}
	shared := p.registry.FindUserByPublicID(target)
	if shared == nil && p.loader != nil {
		shared, err = p.loader.LoadUser(ctx, target)
		if err != nil && !status.IsNotFound(err) {
			return Response{}, fmt.Errorf("load shared account: %w", err)
		}
	}
	if shared == nil {
		return Response{}, status.ErrAccountNotFound
	}
	return Response{Status: status.Success, Token: shared.Token()}, nil
}

// attach encrypts the drained payloads into resp. The slices in out are
// owned by the caller.
func attach(resp *Response, out registry.Delivery, key crypt.Key) {
	if out.HasAccounts {
		buf := encodeAccounts(out.Accounts)
		crypt.Transform(buf, key)
		s := hex.EncodeToString(buf)
		resp.Accounts = &s
	}
	if out.NAT != nil {
		crypt.Transform(out.NAT, key)
		resp.NAT = hex.EncodeToString(out.NAT)
	}
	if out.WOL != nil {
		crypt.Transform(out.WOL, key)
		resp.WOL = hex.EncodeToString(out.WOL)
	}
}

func encodeAccounts(ids []string) []byte {
	buf := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		raw, err := hex.DecodeString(id)
		if err != nil || len(raw) != 16 {
			continue
		}
		buf = append(buf, raw...)
	}
	return buf
}
