package account

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"sync"
	"testing"
	"time"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/model"
	"viewer-relay/internal/notify"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
	"viewer-relay/internal/store"
	"viewer-relay/internal/store/storetest"
)

const password = "5f4dcc3b5aa765d61d8327deb882cf99"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingNotifier) Notify(ctx context.Context, m notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
}

func (r *recordingNotifier) last(t *testing.T) notify.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		t.Fatalf("no notification sent")
	}
	return r.sent[len(r.sent)-1]
}

type harness struct {
	svc   *Service
	st    *store.GormStore
	reg   *registry.Registry
	notes *recordingNotifier
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		st:    storetest.New(t),
		reg:   registry.New(),
		notes: &recordingNotifier{},
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = New(Options{
		Registry: h.reg,
		Store:    h.st,
		Notifier: h.notes,
		Now:      func() time.Time { return h.now },
	})
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// user creates an activated account and signs it in.
func (h *harness) user(t *testing.T, publicID, email string) (*model.User, SignInResult) {
	t.Helper()
	u := &model.User{PublicID: publicID, Email: email, Name: email, EmailHash: emailHash(email), PasswordHash: password, Activated: true}
	if err := h.st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	res, err := h.svc.SignIn(context.Background(), u.EmailHash, password)
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	return u, res
}

func (h *harness) device(t *testing.T, owner *model.User, publicID, name string) *model.Device {
	t.Helper()
	d := &model.Device{PublicID: publicID, OwnerPublicID: owner.PublicID, Name: name, Status: model.DeviceNormal, RegisteredAt: h.now}
	if err := h.st.SaveDevice(context.Background(), d); err != nil {
		t.Fatalf("save device: %v", err)
	}
	return d
}

func TestSignUpValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name, email, password string
		want                  status.Code
	}{
		{"a", "", password, status.InvalidParameters},
		{"a", "a@example.com", "short", status.InvalidParameters},
		{string(make([]byte, 65)), "a@example.com", password, status.InvalidParameters},
		{"a", "not-an-email", password, status.InvalidEmailFormat},
	}
	for _, c := range cases {
		if _, err := h.svc.SignUp(ctx, c.name, c.email, c.password); status.CodeOf(err) != c.want {
			t.Fatalf("SignUp(%q, %q): expected %v, got %v", c.name, c.email, c.want, err)
		}
	}

	if _, err := h.svc.SignUp(ctx, "Ann", " Ann@Example.com ", password); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if _, err := h.svc.SignUp(ctx, "Ann", "ann@example.com", password); status.CodeOf(err) != status.EmailRegistered {
		t.Fatalf("expected duplicate email rejected, got %v", err)
	}
}

func TestActivationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.svc.SignUp(ctx, "Ann", "ann@example.com", password)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	mail := h.notes.last(t)
	if mail.Kind != notify.KindActivationCode || mail.To != "ann@example.com" || len(mail.Code) != 6 {
		t.Fatalf("unexpected activation mail %+v", mail)
	}

	if _, err := h.svc.SignIn(ctx, emailHash("ann@example.com"), password); status.CodeOf(err) != status.AccountNotActivated {
		t.Fatalf("expected not activated, got %v", err)
	}
	if _, err := h.svc.VerifyActivation(ctx, token, "000000x"); status.CodeOf(err) != status.AccountNotExists {
		t.Fatalf("expected wrong code to miss, got %v", err)
	}

	if _, err := h.svc.VerifyActivation(ctx, token, mail.Code); err != nil {
		t.Fatalf("VerifyActivation: %v", err)
	}
	if h.notes.last(t).Kind != notify.KindActivated {
		t.Fatalf("expected activated notification")
	}
	if _, err := h.svc.VerifyActivation(ctx, token, mail.Code); status.CodeOf(err) != status.AccountIsActivated {
		t.Fatalf("expected already activated, got %v", err)
	}

	res, err := h.svc.SignIn(ctx, emailHash("ann@example.com"), password)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.Version != 2 || res.Name != "Ann" || len(res.UID) != 32 {
		t.Fatalf("unexpected sign in result %+v", res)
	}
	raw, err := crypt.DecodeTokenHex(res.Token)
	if err != nil || raw != h.reg.FindUserByPublicID(res.UID).Token() {
		t.Fatalf("expected opaque token to carry the session token")
	}
}

func TestActivationCodeExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, _ := h.svc.SignUp(ctx, "Ann", "ann@example.com", password)
	code := h.notes.last(t).Code
	h.advance(11 * time.Minute)

	next, err := h.svc.VerifyActivation(ctx, token, code)
	if status.CodeOf(err) != status.TokenExpired {
		t.Fatalf("expected token expired, got %v", err)
	}
	if next == "" || next == token {
		t.Fatalf("expected a fresh activation token, got %q", next)
	}
	if _, err := h.svc.VerifyActivation(ctx, next, h.notes.last(t).Code); err != nil {
		t.Fatalf("VerifyActivation with new code: %v", err)
	}
}

func TestSignInUnknown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.SignIn(context.Background(), "nope", "nope"); status.CodeOf(err) != status.AccountNotExists {
		t.Fatalf("expected account not exists, got %v", err)
	}
}

func TestTokenRotationAndExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, res := h.user(t, "0000000000000000000000000000000a", "a@example.com")
	sess := h.reg.FindUserByPublicID(res.UID)
	before := sess.Token()

	h.advance(time.Hour)
	login, err := h.svc.LoginWithToken(ctx, res.UID, res.Token, false)
	if err != nil {
		t.Fatalf("LoginWithToken: %v", err)
	}
	if sess.Token() != before {
		t.Fatalf("expected no rotation within three days")
	}

	h.advance(4 * 24 * time.Hour)
	rotated, err := h.svc.LoginWithToken(ctx, res.UID, login.Token, false)
	if err != nil {
		t.Fatalf("LoginWithToken after four days: %v", err)
	}
	if sess.Token() == before || sess.State().PreviousToken != before {
		t.Fatalf("expected rotation keeping the previous token")
	}
	if _, err := h.svc.LoginWithToken(ctx, res.UID, login.Token, false); status.CodeOf(err) != status.TokenMismatch {
		t.Fatalf("expected old token rejected, got %v", err)
	}

	h.advance(8 * 24 * time.Hour)
	if _, err := h.svc.LoginWithToken(ctx, res.UID, rotated.Token, false); status.CodeOf(err) != status.TokenExpired {
		t.Fatalf("expected token expired after seven days, got %v", err)
	}
}

func decodeList(t *testing.T, s, uid string) map[int64]registry.DeviceState {
	t.Helper()
	key, _ := crypt.KeyFromHex(uid)
	buf, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode list: %v", err)
	}
	crypt.VariantDeviceList.Transform(buf, key)
	n := int(binary.LittleEndian.Uint32(buf))
	out := make(map[int64]registry.DeviceState, n)
	off := 4
	for i := 0; i < n; i++ {
		id := int64(binary.LittleEndian.Uint64(buf[off:]))
		st, err := registry.DecodeStatus(buf[off+8 : off+8+registry.StatusSize])
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		out[id] = st
		off += 8 + registry.StatusSize
	}
	if off != len(buf) {
		t.Fatalf("trailing bytes in list: %d of %d", off, len(buf))
	}
	return out
}

func TestLoginWithTokenDeviceLists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ownerModel := &model.User{PublicID: "0000000000000000000000000000000a", Email: "a@example.com", EmailHash: emailHash("a@example.com"), PasswordHash: password, Activated: true}
	if err := h.st.CreateUser(ctx, ownerModel); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	dev := h.device(t, ownerModel, "00000000000000d1", "Desk")
	sharee, shareeRes := h.user(t, "0000000000000000000000000000000b", "b@example.com")
	grant := &model.SubAccount{AccountID: sharee.ID, ParentAccountID: ownerModel.ID, Status: model.SubAccountApproved}
	if err := h.st.CreateSubAccount(ctx, grant); err != nil {
		t.Fatalf("create grant: %v", err)
	}
	if err := h.st.SaveSubDevice(ctx, &model.SubDevice{SubAccountID: grant.ID, DeviceID: dev.ID, Name: "Shared desk", Status: model.DeviceNormal}); err != nil {
		t.Fatalf("save sub-device: %v", err)
	}
	ownerRes, err := h.svc.SignIn(ctx, ownerModel.EmailHash, password)
	if err != nil {
		t.Fatalf("owner sign in: %v", err)
	}

	login, err := h.svc.LoginWithToken(ctx, ownerRes.UID, ownerRes.Token, false)
	if err != nil {
		t.Fatalf("LoginWithToken: %v", err)
	}
	if login.Version != ListVersionBinary || login.SubDevices != "" {
		t.Fatalf("unexpected login %+v", login)
	}
	owned := decodeList(t, login.Devices, ownerRes.UID)
	if owned[dev.ID].Name != "Desk" || owned[dev.ID].PublicID != "00000000000000d1" {
		t.Fatalf("unexpected owned list %+v", owned)
	}

	rec := h.reg.FindDeviceByID(dev.ID)
	if rec == nil || !rec.HasSharedAccount(sharee.PublicID) {
		t.Fatalf("expected sharing set loaded with the grant")
	}

	shared, err := h.svc.LoginWithToken(ctx, shareeRes.UID, shareeRes.Token, true)
	if err != nil {
		t.Fatalf("sharee LoginWithToken: %v", err)
	}
	if shared.Version != ListVersionWeb || len(shared.WebDevices) != 0 || len(shared.WebSubDevices) != 1 {
		t.Fatalf("unexpected web login %+v", shared)
	}
	if shared.WebSubDevices[0].Name != "Shared desk" || shared.WebSubDevices[0].ID != dev.ID {
		t.Fatalf("unexpected shared entry %+v", shared.WebSubDevices[0])
	}
}

func bindPayload(t *testing.T, uid, did string, modelByte byte, name string) string {
	t.Helper()
	data := make([]byte, 40+len(name)+4)
	raw, _ := hex.DecodeString(did)
	copy(data, raw)
	data[8] = modelByte
	copy(data[40:], name)
	key, _ := crypt.KeyFromHex(uid)
	crypt.VariantAccount.Transform(data, key)
	return hex.EncodeToString(data)
}

func encryptDeviceID(uid, did string) string {
	raw, _ := hex.DecodeString(did)
	key, _ := crypt.KeyFromHex(uid)
	crypt.VariantAccount.Transform(raw, key)
	return hex.EncodeToString(raw)
}

func TestBindReassignsOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, a := h.user(t, "0000000000000000000000000000000a", "a@example.com")
	_, b := h.user(t, "0000000000000000000000000000000b", "b@example.com")
	const did = "00000000000000d1"

	nonce, err := h.svc.Bind(ctx, a.UID, a.Token, bindPayload(t, a.UID, did, 3, "Desk"))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(nonce) != 16 {
		t.Fatalf("expected a nonce, got %q", nonce)
	}
	sessA := h.reg.FindUserByPublicID(a.UID)
	rec := h.reg.FindDeviceInUser(sessA, did)
	if rec == nil || rec.Nonce() != nonce {
		t.Fatalf("expected device attached with nonce")
	}
	if s := rec.Snapshot(); s.Name != "Desk" || s.Model != 3 {
		t.Fatalf("unexpected record %+v", s)
	}

	if _, err := h.svc.Bind(ctx, a.UID, a.Token, bindPayload(t, a.UID, did, 3, "Desk")); status.CodeOf(err) != status.AccountNotExists {
		t.Fatalf("expected rebinding by the owner rejected, got %v", err)
	}

	if _, err := h.svc.Bind(ctx, b.UID, b.Token, bindPayload(t, b.UID, did, 3, "Office")); err != nil {
		t.Fatalf("Bind by new owner: %v", err)
	}
	if h.reg.FindDeviceInUser(sessA, did) != nil {
		t.Fatalf("expected device removed from the previous owner")
	}
	if got := h.reg.FindDeviceInUser(h.reg.FindUserByPublicID(b.UID), did); got != rec {
		t.Fatalf("expected the same record to move to the new owner")
	}
	d, _ := h.st.DeviceByPublicID(ctx, did)
	if d.OwnerPublicID != b.UID || d.Name != "Office" {
		t.Fatalf("unexpected stored device %+v", d)
	}

	bad, _ := crypt.EncodeTokenHex("ffffffffffffffffffffffffffffffff")
	if _, err := h.svc.Bind(ctx, a.UID, bad, bindPayload(t, a.UID, did, 3, "X")); status.CodeOf(err) != status.TokenMismatch {
		t.Fatalf("expected token mismatch, got %v", err)
	}
}

func TestUnbind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, a := h.user(t, "0000000000000000000000000000000a", "a@example.com")
	_, b := h.user(t, "0000000000000000000000000000000b", "b@example.com")
	h.device(t, owner, "00000000000000d1", "Desk")
	if _, _, err := h.svc.LoadDeviceOwner(ctx, a.UID, "00000000000000d1"); err != nil {
		t.Fatalf("LoadDeviceOwner: %v", err)
	}

	if err := h.svc.Unbind(ctx, b.UID, b.Token, encryptDeviceID(b.UID, "00000000000000d1")); status.CodeOf(err) != status.DeviceNotExists {
		t.Fatalf("expected non-owner rejected, got %v", err)
	}
	if err := h.svc.Unbind(ctx, a.UID, a.Token, encryptDeviceID(a.UID, "00000000000000d1")); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if _, err := h.st.DeviceByPublicID(ctx, "00000000000000d1"); err == nil {
		t.Fatalf("expected device row removed")
	}
	if h.reg.FindDeviceGlobally("00000000000000d1") != nil || len(h.reg.FindUserByPublicID(a.UID).Devices()) != 0 {
		t.Fatalf("expected record detached")
	}
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, a := h.user(t, "0000000000000000000000000000000a", "a@example.com")
	d := h.device(t, owner, "00000000000000d1", "Desk")
	_, _, _ = h.svc.LoadDeviceOwner(ctx, a.UID, d.PublicID)

	id := strconv.FormatInt(d.ID, 10)
	if err := h.svc.Rename(ctx, a.UID, a.Token, id, "Kitchen"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if h.reg.FindDeviceByID(d.ID).Snapshot().Name != "Kitchen" {
		t.Fatalf("expected cached name updated")
	}
	if err := h.svc.Rename(ctx, a.UID, a.Token, "999", "X"); status.CodeOf(err) != status.DeviceNotExists {
		t.Fatalf("expected device not exists, got %v", err)
	}
	if err := h.svc.Rename(ctx, a.UID, a.Token, "abc", "X"); status.CodeOf(err) != status.InvalidParameters {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
}

type sharingFixture struct {
	h       *harness
	owner   SignInResult
	sharee  SignInResult
	grant   *model.SubAccount
	device  *model.Device
	record  *registry.DeviceRecord
	shareID string
}

func newSharingFixture(t *testing.T) sharingFixture {
	t.Helper()
	h := newHarness(t)
	ctx := context.Background()
	ownerModel, owner := h.user(t, "0000000000000000000000000000000a", "a@example.com")
	shareeModel, sharee := h.user(t, "0000000000000000000000000000000b", "b@example.com")
	d := h.device(t, ownerModel, "00000000000000d1", "Desk")
	_, rec, err := h.svc.LoadDeviceOwner(ctx, owner.UID, d.PublicID)
	if err != nil {
		t.Fatalf("LoadDeviceOwner: %v", err)
	}
	grant, err := h.svc.Grant(ctx, ownerModel.PublicID, shareeModel.PublicID, "B")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	return sharingFixture{h: h, owner: owner, sharee: sharee, grant: grant, device: d, record: rec, shareID: shareeModel.PublicID}
}

func TestModifySubDevice(t *testing.T) {
	f := newSharingFixture(t)
	ctx := context.Background()

	if err := f.h.svc.ModifySubDevice(ctx, f.owner.UID, f.owner.Token, f.grant.ID, f.device.ID, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !f.record.HasSharedAccount(f.shareID) || !f.record.SharedDirty() {
		t.Fatalf("expected sharee added and set dirty")
	}
	sd, _ := f.h.st.SubDevice(ctx, f.grant.ID, f.device.ID)
	if sd == nil || sd.Name != "Desk" || sd.Status != model.DeviceNormal {
		t.Fatalf("unexpected sub-device %+v", sd)
	}

	if err := f.h.svc.ModifySubDevice(ctx, f.owner.UID, f.owner.Token, f.grant.ID, f.device.ID, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.record.HasSharedAccount(f.shareID) {
		t.Fatalf("expected sharee removed")
	}

	if err := f.h.svc.ModifySubDevice(ctx, f.owner.UID, f.owner.Token, f.grant.ID, 999, true); status.CodeOf(err) != status.DeviceNotExists {
		t.Fatalf("expected device not exists, got %v", err)
	}
	if err := f.h.svc.ModifySubDevice(ctx, f.owner.UID, f.owner.Token, 999, f.device.ID, true); status.CodeOf(err) != status.AccountNotExists {
		t.Fatalf("expected account not exists, got %v", err)
	}
}

func TestUpdateSubAccountState(t *testing.T) {
	f := newSharingFixture(t)
	ctx := context.Background()
	_ = f.h.svc.ModifySubDevice(ctx, f.owner.UID, f.owner.Token, f.grant.ID, f.device.ID, true)

	if err := f.h.svc.UpdateSubAccountState(ctx, f.owner.UID, f.owner.Token, f.grant.ID, int(model.SubAccountDisabled)); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if f.record.HasSharedAccount(f.shareID) {
		t.Fatalf("expected sharee removed on disable")
	}
	if err := f.h.svc.UpdateSubAccountState(ctx, f.owner.UID, f.owner.Token, f.grant.ID, int(model.SubAccountApproved)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !f.record.HasSharedAccount(f.shareID) {
		t.Fatalf("expected sharee restored on approve")
	}

	if err := f.h.svc.UpdateSubAccountState(ctx, f.owner.UID, f.owner.Token, f.grant.ID, 1); status.CodeOf(err) != status.InvalidParameters {
		t.Fatalf("expected invalid state rejected, got %v", err)
	}
	if err := f.h.svc.UpdateSubAccountState(ctx, f.sharee.UID, f.sharee.Token, f.grant.ID, 3); status.CodeOf(err) != status.SubAccountNotExists {
		t.Fatalf("expected foreign grant rejected, got %v", err)
	}
}

func TestDisconnectMainAccount(t *testing.T) {
	f := newSharingFixture(t)
	ctx := context.Background()
	_ = f.h.svc.ModifySubDevice(ctx, f.owner.UID, f.owner.Token, f.grant.ID, f.device.ID, true)

	ownerID := f.grant.ParentAccountID
	if err := f.h.svc.DisconnectMainAccount(ctx, f.sharee.UID, f.sharee.Token, ownerID); err != nil {
		t.Fatalf("DisconnectMainAccount: %v", err)
	}
	if f.record.HasSharedAccount(f.shareID) {
		t.Fatalf("expected sharee removed")
	}
	if err := f.h.svc.DisconnectMainAccount(ctx, f.sharee.UID, f.sharee.Token, ownerID); status.CodeOf(err) != status.AccountNotExists {
		t.Fatalf("expected second disconnect to miss, got %v", err)
	}
}

func TestDeactivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, a := h.user(t, "0000000000000000000000000000000a", "a@example.com")
	h.device(t, owner, "00000000000000d1", "Desk")
	_, _, _ = h.svc.LoadDeviceOwner(ctx, a.UID, "00000000000000d1")

	if err := h.svc.RequestDeactivation(ctx, a.UID, a.Token); err != nil {
		t.Fatalf("RequestDeactivation: %v", err)
	}
	code := h.notes.last(t).Code
	if err := h.svc.ConfirmDeactivation(ctx, a.UID, a.Token, "nope"); status.CodeOf(err) != status.VerificationCodeMismatch {
		t.Fatalf("expected code mismatch, got %v", err)
	}

	h.advance(11 * time.Minute)
	if err := h.svc.ConfirmDeactivation(ctx, a.UID, a.Token, code); status.CodeOf(err) != status.VerificationCodeExpired {
		t.Fatalf("expected code expired, got %v", err)
	}

	_ = h.svc.RequestDeactivation(ctx, a.UID, a.Token)
	code = h.notes.last(t).Code
	if err := h.svc.ConfirmDeactivation(ctx, a.UID, a.Token, code); err != nil {
		t.Fatalf("ConfirmDeactivation: %v", err)
	}
	if h.notes.last(t).Kind != notify.KindDeactivated {
		t.Fatalf("expected deactivated notification")
	}
	if h.reg.FindUserByPublicID(a.UID) != nil || h.reg.FindDeviceGlobally("00000000000000d1") != nil {
		t.Fatalf("expected session and devices evicted")
	}
	if _, err := h.st.UserByPublicID(ctx, a.UID); err == nil {
		t.Fatalf("expected user row deleted")
	}
}

func TestLoaderMisses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, a := h.user(t, "0000000000000000000000000000000a", "a@example.com")

	if _, _, err := h.svc.LoadDeviceOwner(ctx, "000000000000000000000000000000ff", "00000000000000d1"); !status.IsNotFound(err) {
		t.Fatalf("expected not found for unknown account, got %v", err)
	}
	if _, _, err := h.svc.LoadDeviceOwner(ctx, a.UID, "00000000000000ee"); status.CodeOf(err) != status.DeviceNotExists {
		t.Fatalf("expected device not exists, got %v", err)
	}
	if _, err := h.svc.LoadUser(ctx, "000000000000000000000000000000ff"); status.CodeOf(err) != status.AccountNotExists {
		t.Fatalf("expected account not exists, got %v", err)
	}
}
