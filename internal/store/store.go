// Package store is the durable record layer behind the registry. It is only
// consulted on a cache miss or to persist a confirmed mutation.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"viewer-relay/internal/model"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	UserByID(ctx context.Context, id int64) (*model.User, error)
	UserByPublicID(ctx context.Context, publicID string) (*model.User, error)
	UserByEmail(ctx context.Context, email string) (*model.User, error)
	UserByHashes(ctx context.Context, emailHash, passwordHash string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	ActivateUser(ctx context.Context, id int64) error
	TouchUser(ctx context.Context, id int64, at time.Time) error
	DeleteUser(ctx context.Context, id int64) error

	DevicesForOwner(ctx context.Context, ownerPublicID string) ([]model.Device, error)
	DeviceByPublicID(ctx context.Context, publicID string) (*model.Device, error)
	DeviceForOwner(ctx context.Context, devicePublicID, ownerPublicID string) (*model.Device, error)
	SaveDevice(ctx context.Context, d *model.Device) error
	DeleteDevice(ctx context.Context, id int64) error
	RenameOwnedDevice(ctx context.Context, ownerPublicID string, deviceID int64, name string) (bool, error)

	SharingGrants(ctx context.Context, deviceID int64) ([]string, error)
	SharedDevicesForAccount(ctx context.Context, accountID int64) ([]model.SharedDevice, error)
	SharedDeviceForAccount(ctx context.Context, accountID, deviceID int64) (*model.Device, error)
	RenameSharedDevice(ctx context.Context, accountID, deviceID int64, name string) (bool, error)

	CreateSubAccount(ctx context.Context, sa *model.SubAccount) error
	ApprovedSubAccount(ctx context.Context, parentID, subAccountID int64) (*model.SubAccount, error)
	SetSubAccountStatus(ctx context.Context, parentID, subAccountID int64, st model.SubAccountStatus) (*model.SubAccount, error)
	DisconnectMainAccount(ctx context.Context, parentID, accountID int64) ([]int64, error)
	SubDevicesOf(ctx context.Context, subAccountID int64) ([]model.SubDevice, error)
	SubDevice(ctx context.Context, subAccountID, deviceID int64) (*model.SubDevice, error)
	SaveSubDevice(ctx context.Context, sd *model.SubDevice) error
}

// Driver names the database selected by url.
func Driver(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Open connects to url. A postgres:// or postgresql:// url selects postgres;
// anything else is handed to sqlite as a DSN.
func Open(url string, lvl logger.LogLevel) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(lvl)}
	if Driver(url) == "postgres" {
		return gorm.Open(postgres.Open(url), cfg)
	}
	return gorm.Open(sqlite.Open(url), cfg)
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Device{},
		&model.SubAccount{},
		&model.SubDevice{},
	)
}

type GormStore struct{ db *gorm.DB }

func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) firstUser(ctx context.Context, query string, args ...any) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where(query, args...).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *GormStore) UserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.firstUser(ctx, "id = ?", id)
}

func (s *GormStore) UserByPublicID(ctx context.Context, publicID string) (*model.User, error) {
	return s.firstUser(ctx, "uid = ?", strings.ToLower(publicID))
}

func (s *GormStore) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.firstUser(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *GormStore) UserByHashes(ctx context.Context, emailHash, passwordHash string) (*model.User, error) {
	return s.firstUser(ctx, "email_hash = ? AND password_hash = ?", strings.ToLower(emailHash), strings.ToLower(passwordHash))
}

func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *GormStore) ActivateUser(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("activated", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) TouchUser(ctx context.Context, id int64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("visited_at", at).Error
}

// DeleteUser removes the account, retires every grant that shares devices to
// it, and marks the devices it owned deleted so they can be bound again.
func (s *GormStore) DeleteUser(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u model.User
		if err := tx.Where("id = ?", id).First(&u).Error; err != nil {
			return notFound(err)
		}
		grants := tx.Model(&model.SubAccount{}).Select("sub_account_id").Where("account_id = ?", id)
		if err := tx.Model(&model.SubDevice{}).Where("sub_account_id IN (?)", grants).
			Update("status", model.DeviceDeleted).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.SubAccount{}).Where("account_id = ?", id).
			Update("status", model.SubAccountDeleted).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Device{}).Where("auid = ?", u.PublicID).
			Update("status", model.DeviceDeleted).Error; err != nil {
			return err
		}
		return tx.Delete(&model.User{}, id).Error
	})
}

func (s *GormStore) DevicesForOwner(ctx context.Context, ownerPublicID string) ([]model.Device, error) {
	var out []model.Device
	err := s.db.WithContext(ctx).
		Where("auid = ? AND status = ?", strings.ToLower(ownerPublicID), model.DeviceNormal).
		Order("id asc").Find(&out).Error
	return out, err
}

func (s *GormStore) DeviceByPublicID(ctx context.Context, publicID string) (*model.Device, error) {
	var d model.Device
	if err := s.db.WithContext(ctx).Where("uid = ?", strings.ToLower(publicID)).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *GormStore) DeviceForOwner(ctx context.Context, devicePublicID, ownerPublicID string) (*model.Device, error) {
	var d model.Device
	err := s.db.WithContext(ctx).
		Where("uid = ? AND auid = ? AND status = ?", strings.ToLower(devicePublicID), strings.ToLower(ownerPublicID), model.DeviceNormal).
		First(&d).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *GormStore) SaveDevice(ctx context.Context, d *model.Device) error {
	d.PublicID = strings.ToLower(d.PublicID)
	d.OwnerPublicID = strings.ToLower(d.OwnerPublicID)
	return s.db.WithContext(ctx).Save(d).Error
}

func (s *GormStore) DeleteDevice(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&model.Device{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) RenameOwnedDevice(ctx context.Context, ownerPublicID string, deviceID int64, name string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ? AND auid = ?", deviceID, strings.ToLower(ownerPublicID)).
		Update("name", name)
	return res.RowsAffected == 1, res.Error
}

// grantJoin restricts sub_devices to live grants: an approved sub-account
// and a normal sub-device.
func grantJoin(db *gorm.DB) *gorm.DB {
	return db.Joins("JOIN sub_accounts ON sub_accounts.sub_account_id = sub_devices.sub_account_id").
		Where("sub_accounts.status = ? AND sub_devices.status = ?", model.SubAccountApproved, model.DeviceNormal)
}

// SharingGrants lists the public ids of accounts that device deviceID is
// shared with.
func (s *GormStore) SharingGrants(ctx context.Context, deviceID int64) ([]string, error) {
	var ids []string
	err := grantJoin(s.db.WithContext(ctx).Table("sub_devices")).
		Joins("JOIN users ON users.id = sub_accounts.account_id").
		Where("sub_devices.device_id = ?", deviceID).
		Order("sub_accounts.sub_account_id asc").
		Pluck("users.uid", &ids).Error
	return ids, err
}

func (s *GormStore) SharedDevicesForAccount(ctx context.Context, accountID int64) ([]model.SharedDevice, error) {
	var out []model.SharedDevice
	err := grantJoin(s.db.WithContext(ctx).Table("sub_devices")).
		Joins("JOIN devices ON devices.id = sub_devices.device_id").
		Where("sub_accounts.account_id = ? AND devices.status = ?", accountID, model.DeviceNormal).
		Order("devices.id asc").
		Select("devices.*, sub_devices.name AS shared_name").
		Scan(&out).Error
	return out, err
}

func (s *GormStore) SharedDeviceForAccount(ctx context.Context, accountID, deviceID int64) (*model.Device, error) {
	var out []model.Device
	err := grantJoin(s.db.WithContext(ctx).Table("sub_devices")).
		Joins("JOIN devices ON devices.id = sub_devices.device_id").
		Where("sub_accounts.account_id = ? AND devices.id = ? AND devices.status = ?", accountID, deviceID, model.DeviceNormal).
		Select("devices.*").
		Limit(1).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

func (s *GormStore) RenameSharedDevice(ctx context.Context, accountID, deviceID int64, name string) (bool, error) {
	grants := s.db.WithContext(ctx).Model(&model.SubAccount{}).Select("sub_account_id").
		Where("account_id = ? AND status = ?", accountID, model.SubAccountApproved)
	res := s.db.WithContext(ctx).Model(&model.SubDevice{}).
		Where("device_id = ? AND status = ? AND sub_account_id IN (?)", deviceID, model.DeviceNormal, grants).
		Update("name", name)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) CreateSubAccount(ctx context.Context, sa *model.SubAccount) error {
	return s.db.WithContext(ctx).Create(sa).Error
}

func (s *GormStore) ApprovedSubAccount(ctx context.Context, parentID, subAccountID int64) (*model.SubAccount, error) {
	var sa model.SubAccount
	err := s.db.WithContext(ctx).
		Where("parent_account_id = ? AND sub_account_id = ? AND status = ?", parentID, subAccountID, model.SubAccountApproved).
		First(&sa).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sa, nil
}

// SetSubAccountStatus moves a sub-account of parentID to st. Deleting it also
// retires its sub-devices.
func (s *GormStore) SetSubAccountStatus(ctx context.Context, parentID, subAccountID int64, st model.SubAccountStatus) (*model.SubAccount, error) {
	var sa model.SubAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.SubAccount{}).
			Where("parent_account_id = ? AND sub_account_id = ?", parentID, subAccountID).
			Update("status", st)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrNotFound
		}
		if st == model.SubAccountDeleted {
			if err := tx.Model(&model.SubDevice{}).Where("sub_account_id = ?", subAccountID).
				Update("status", model.DeviceDeleted).Error; err != nil {
				return err
			}
		}
		return tx.Where("sub_account_id = ?", subAccountID).First(&sa).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &sa, nil
}

// DisconnectMainAccount lets accountID leave the sharing of parentID. It
// returns the ids of the devices that were shared.
func (s *GormStore) DisconnectMainAccount(ctx context.Context, parentID, accountID int64) ([]int64, error) {
	var deviceIDs []int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sa model.SubAccount
		if err := tx.Where("parent_account_id = ? AND account_id = ?", parentID, accountID).First(&sa).Error; err != nil {
			return err
		}
		if err := tx.Model(&sa).Update("status", model.SubAccountDeleted).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.SubDevice{}).Where("sub_account_id = ?", sa.ID).
			Update("status", model.DeviceDeleted).Error; err != nil {
			return err
		}
		return tx.Model(&model.SubDevice{}).Where("sub_account_id = ?", sa.ID).Pluck("device_id", &deviceIDs).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return deviceIDs, nil
}

func (s *GormStore) SubDevicesOf(ctx context.Context, subAccountID int64) ([]model.SubDevice, error) {
	var out []model.SubDevice
	err := s.db.WithContext(ctx).Where("sub_account_id = ?", subAccountID).Order("device_id asc").Find(&out).Error
	return out, err
}

func (s *GormStore) SubDevice(ctx context.Context, subAccountID, deviceID int64) (*model.SubDevice, error) {
	var sd model.SubDevice
	if err := s.db.WithContext(ctx).Where("sub_account_id = ? AND device_id = ?", subAccountID, deviceID).First(&sd).Error; err != nil {
		return nil, notFound(err)
	}
	return &sd, nil
}

func (s *GormStore) SaveSubDevice(ctx context.Context, sd *model.SubDevice) error {
	return s.db.WithContext(ctx).Save(sd).Error
}
