package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"viewer-relay/internal/model"
)

const (
	// StatusSize is the length of the serialized device status blob.
	StatusSize = 179
	// AddrSize is the length of one network endpoint block.
	AddrSize = 28
	// NameSize is the maximum encoded length of a device name in the blob.
	NameSize = 32
	// DeviceIDSize is the length of a raw device identifier.
	DeviceIDSize = 8
)

// blob offsets
const (
	offID          = 0
	offName        = 8
	offTicks       = 40
	offCapability  = 48
	offFirmware    = 52
	offVersion     = 60
	offModel       = 64
	offLocalAddr   = 65
	offLocalAddr6  = 93
	offNatType     = 121
	offNatType6    = 122
	offRemoteAddr  = 123
	offRemoteAddr6 = 151
)

// Address is an opaque endpoint block reported by a device.
type Address [AddrSize]byte

// DeviceState is the plain-value view of a device record.
type DeviceState struct {
	ID          int64
	PublicID    string
	Name        string
	Model       byte
	Capability  uint32
	Firmware    int64
	Version     uint32
	LocalAddr   Address
	LocalAddr6  Address
	RemoteAddr  Address
	RemoteAddr6 Address
	NatType     byte
	NatType6    byte
	LastActive  time.Time
}

// EncodeStatus serializes s into the fixed wire layout. Names longer than
// NameSize bytes are truncated; shorter names are NUL padded.
func EncodeStatus(s DeviceState) [StatusSize]byte {
	var b [StatusSize]byte
	if id, err := hex.DecodeString(s.PublicID); err == nil {
		copy(b[offID:offID+DeviceIDSize], id)
	}
	copy(b[offName:offName+NameSize], s.Name)
	binary.LittleEndian.PutUint64(b[offTicks:], uint64(toTicks(s.LastActive)))
	binary.LittleEndian.PutUint32(b[offCapability:], s.Capability)
	binary.LittleEndian.PutUint64(b[offFirmware:], uint64(s.Firmware))
	binary.LittleEndian.PutUint32(b[offVersion:], s.Version)
	b[offModel] = s.Model
	copy(b[offLocalAddr:], s.LocalAddr[:])
	copy(b[offLocalAddr6:], s.LocalAddr6[:])
	b[offNatType] = s.NatType
	b[offNatType6] = s.NatType6
	copy(b[offRemoteAddr:], s.RemoteAddr[:])
	copy(b[offRemoteAddr6:], s.RemoteAddr6[:])
	return b
}

// DecodeStatus parses a blob produced by EncodeStatus. The numeric ID is not
// part of the blob and is left zero.
func DecodeStatus(b []byte) (DeviceState, error) {
	if len(b) != StatusSize {
		return DeviceState{}, fmt.Errorf("status blob: expected %d bytes, got %d", StatusSize, len(b))
	}
	var s DeviceState
	s.PublicID = hex.EncodeToString(b[offID : offID+DeviceIDSize])
	name := b[offName : offName+NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	s.Name = string(name)
	s.LastActive = fromTicks(int64(binary.LittleEndian.Uint64(b[offTicks:])))
	s.Capability = binary.LittleEndian.Uint32(b[offCapability:])
	s.Firmware = int64(binary.LittleEndian.Uint64(b[offFirmware:]))
	s.Version = binary.LittleEndian.Uint32(b[offVersion:])
	s.Model = b[offModel]
	copy(s.LocalAddr[:], b[offLocalAddr:])
	copy(s.LocalAddr6[:], b[offLocalAddr6:])
	s.NatType = b[offNatType]
	s.NatType6 = b[offNatType6]
	copy(s.RemoteAddr[:], b[offRemoteAddr:])
	copy(s.RemoteAddr6[:], b[offRemoteAddr6:])
	return s, nil
}

// Liveness is carried as 100ns ticks since 0001-01-01 UTC, the format the
// client apps parse.
const (
	ticksPerSecond = 10_000_000
	unixEpochTicks = 621_355_968_000_000_000
)

func toTicks(t time.Time) int64 {
	return t.Unix()*ticksPerSecond + int64(t.Nanosecond())/100 + unixEpochTicks
}

func fromTicks(ticks int64) time.Time {
	d := ticks - unixEpochTicks
	sec, rem := d/ticksPerSecond, d%ticksPerSecond
	if rem < 0 {
		rem += ticksPerSecond
		sec--
	}
	return time.Unix(sec, rem*100).UTC()
}

// StateFromDevice seeds a record from its durable row.
func StateFromDevice(d *model.Device) DeviceState {
	return DeviceState{
		ID:       d.ID,
		PublicID: strings.ToLower(d.PublicID),
		Name:     d.Name,
		Model:    byte(d.Model),
	}
}
