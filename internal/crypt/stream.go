package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
)

// streamIV is shared by all traffic. Deployed firmware depends on it, so it
// cannot change without a new protocol version.
var streamIV = [aes.BlockSize]byte{
	0xA2, 0xB4, 0x00, 0xAE, 0xA3, 0x91, 0xE6, 0x40,
	0x03, 0xF0, 0xD4, 0xEE, 0xA2, 0x9D, 0x76, 0x5B,
}

// Transform XORs buf in place with the AES-128 CTR keystream of key. The
// counter starts from the fixed IV on every call, so Transform is its own
// inverse.
func Transform(buf []byte, key Key) {
	if len(buf) == 0 {
		return
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// a 16-byte key is always accepted
		panic(err)
	}
	cipher.NewCTR(block, streamIV[:]).XORKeyStream(buf, buf)
}

// HeartbeatKey derives the v1 heartbeat key: the MD5 digest of raw, mangled
// with indices selected by raw itself.
func HeartbeatKey(raw Key) Key {
	return Mangle(Key(md5.Sum(raw[:])), VariantHeartbeat.Schedule(raw))
}
