package model

import "time"

type DeviceStatus int

const (
	DeviceNormal  DeviceStatus = 1
	DeviceDeleted DeviceStatus = 2
)

type SubAccountStatus int

const (
	SubAccountPending  SubAccountStatus = 0
	SubAccountAccepted SubAccountStatus = 1
	SubAccountApproved SubAccountStatus = 2
	SubAccountDisabled SubAccountStatus = 3
	SubAccountDeleted  SubAccountStatus = 4
)

// Valid reports whether an owner may move a sub-account into s.
func (s SubAccountStatus) Valid() bool {
	return s >= SubAccountApproved && s <= SubAccountDeleted
}

type User struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	PublicID     string    `gorm:"column:uid;size:32;uniqueIndex;not null" json:"uid"`
	Email        string    `gorm:"size:254;uniqueIndex;not null" json:"email"`
	Name         string    `gorm:"size:64" json:"name"`
	EmailHash    string    `gorm:"size:32;index;not null" json:"-"`
	PasswordHash string    `gorm:"size:32;not null" json:"-"`
	Activated    bool      `gorm:"not null;default:false" json:"activated"`
	CreatedAt    time.Time `json:"created_at"`
	VisitedAt    time.Time `json:"visited_at"`
}

type Device struct {
	ID            int64        `gorm:"primaryKey" json:"id"`
	PublicID      string       `gorm:"column:uid;size:16;uniqueIndex;not null" json:"uid"`
	OwnerPublicID string       `gorm:"column:auid;size:32;index" json:"auid"`
	Name          string       `gorm:"size:64" json:"name"`
	Model         int          `json:"model"`
	Status        DeviceStatus `gorm:"not null;default:1" json:"status"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// SubAccount grants AccountID access to devices of ParentAccountID.
type SubAccount struct {
	ID              int64            `gorm:"column:sub_account_id;primaryKey" json:"sub_account_id"`
	AccountID       int64            `gorm:"index;not null" json:"account_id"`
	ParentAccountID int64            `gorm:"index;not null" json:"parent_account_id"`
	Name            string           `gorm:"size:64" json:"name"`
	Email           string           `gorm:"size:254" json:"email"`
	Status          SubAccountStatus `gorm:"not null;default:0" json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
}

// SubDevice is one device exposed through a SubAccount.
type SubDevice struct {
	SubAccountID int64        `gorm:"primaryKey;autoIncrement:false" json:"sub_account_id"`
	DeviceID     int64        `gorm:"primaryKey;autoIncrement:false" json:"device_id"`
	Name         string       `gorm:"size:64" json:"name"`
	Status       DeviceStatus `gorm:"not null;default:1" json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SharedDevice is a device reachable by an account through sharing, with the
// name the sharee sees.
type SharedDevice struct {
	Device
	SharedName string
}
