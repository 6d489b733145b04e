package crypt

// KeySize is the size in bytes of every key handled by this package.
const KeySize = 16

// Key is a 128-bit key.
type Key [KeySize]byte

// Swap names two key positions whose bytes are exchanged.
type Swap [2]int

// Schedule is a resolved mangling plan. Invert and Zero are ignored when
// negative. All indices must lie in [0, KeySize).
type Schedule struct {
	Swaps  [2]Swap
	Invert int
	Zero   int
}

// Mangle applies s to a copy of key: both swaps in order, then the
// complement, then the zeroing. The result does not alias key.
//
// This obfuscates the key schedule for wire compatibility with deployed
// devices. It adds no cryptographic strength.
func Mangle(key Key, s Schedule) Key {
	for _, sw := range s.Swaps {
		key[sw[0]], key[sw[1]] = key[sw[1]], key[sw[0]]
	}
	if s.Invert >= 0 {
		key[s.Invert] = ^key[s.Invert]
	}
	if s.Zero >= 0 {
		key[s.Zero] = 0
	}
	return key
}

// Variant selects one of the fixed mangling tables used on the wire.
type Variant int

const (
	// VariantToken protects opaque session tokens.
	VariantToken Variant = iota
	// VariantHeartbeat derives the v1 heartbeat key from the device key.
	VariantHeartbeat
	VariantLocal
	VariantKey1
	VariantKey2
	// VariantAccount protects client payloads keyed by an account id.
	VariantAccount
	// VariantDeviceList protects bulk device lists keyed by an account id.
	VariantDeviceList
)

const none = -1

type table struct {
	swaps  [2]Swap
	invert int
	zero   int
	// derived tables hold offsets into the selector key; each index is
	// selector[offset] % 15.
	derived bool
}

var tables = map[Variant]table{
	VariantToken:      {swaps: [2]Swap{{5, 1}, {10, 3}}, invert: 7, zero: 14, derived: true},
	VariantHeartbeat:  {swaps: [2]Swap{{0, 2}, {4, 6}}, invert: 9, zero: 13, derived: true},
	VariantLocal:      {swaps: [2]Swap{{3, 11}, {4, 1}}, invert: 6, zero: 5},
	VariantKey1:       {swaps: [2]Swap{{4, 0}, {7, 9}}, invert: 11, zero: none},
	VariantKey2:       {swaps: [2]Swap{{4, 0}, {7, 9}}, invert: 6, zero: none},
	VariantAccount:    {swaps: [2]Swap{{7, 10}, {2, 5}}, invert: 3, zero: none},
	VariantDeviceList: {swaps: [2]Swap{{2, 11}, {6, 5}}, invert: 9, zero: none},
}

func (v Variant) String() string {
	switch v {
	case VariantToken:
		return "token"
	case VariantHeartbeat:
		return "heartbeat"
	case VariantLocal:
		return "local"
	case VariantKey1:
		return "key1"
	case VariantKey2:
		return "key2"
	case VariantAccount:
		return "account"
	case VariantDeviceList:
		return "device-list"
	default:
		return "unknown"
	}
}

// Schedule resolves the variant into concrete indices. Derived variants read
// their indices from selector, which must be KeySize bytes long; literal
// variants ignore it.
func (v Variant) Schedule(selector Key) Schedule {
	t, ok := tables[v]
	if !ok {
		return Schedule{Invert: none, Zero: none}
	}
	if !t.derived {
		return Schedule{Swaps: t.swaps, Invert: t.invert, Zero: t.zero}
	}

	var s Schedule
	for i, sw := range t.swaps {
		a := int(selector[sw[0]] % 15)
		b := int(selector[sw[1]] % 15)
		s.Swaps[i] = Swap{a, perturb(a, b)}
	}
	s.Invert = int(selector[t.invert] % 15)
	s.Zero = int(selector[t.zero] % 15)
	s.Zero = perturb(s.Invert, s.Zero)
	return s
}

// perturb moves b off a when they collide.
func perturb(a, b int) int {
	if a != b {
		return b
	}
	if a > 8 {
		return a - 1
	}
	return a + 1
}

// Key mangles key with the variant's schedule, using key itself as the
// selector.
func (v Variant) Key(key Key) Key {
	return Mangle(key, v.Schedule(key))
}

// Transform mangles a copy of key and runs the stream transform over buf in
// place. Applying it twice with the same key restores buf.
func (v Variant) Transform(buf []byte, key Key) {
	Transform(buf, v.Key(key))
}
