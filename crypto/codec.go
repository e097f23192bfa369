package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// envelopePrefix marks an encrypted message envelope. Anything without
	// this prefix is not this codec's ciphertext.
	envelopePrefix = "GLM1."

	aes256KeySize = 32
	gcmNonceSize  = 12
	x25519KeySize = 32

	hkdfInfo = "glimpse message key v1"
)

// LockedSentinel is returned by Decrypt when a payload cannot be decrypted.
// The control bytes keep it from ever colliding with genuine message text;
// presentation layers map it to a "locked" label.
const LockedSentinel = "\x00\x01locked\x01\x00"

// Encrypt seals plaintext into a message envelope readable by both the
// sender and the recipient. An ephemeral X25519 key is generated per
// message; the envelope carries one sealed copy of the plaintext per
// party, each keyed by the ECDH of the ephemeral key with that party's
// published public key.
func Encrypt(plaintext string, senderPub, recipientPub *ecdh.PublicKey) (string, error) {
	if senderPub == nil || recipientPub == nil {
		return "", ErrNoKey
	}

	ephemeral, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeral.PublicKey().Bytes()

	recipientBox, err := sealSlot(ephemeral, recipientPub, ephemeralPub, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("seal recipient slot: %w", err)
	}
	senderBox, err := sealSlot(ephemeral, senderPub, ephemeralPub, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("seal sender slot: %w", err)
	}

	raw := make([]byte, 0, len(ephemeralPub)+4+len(recipientBox)+len(senderBox))
	raw = append(raw, ephemeralPub...)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(recipientBox)))
	raw = append(raw, recipientBox...)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(senderBox)))
	raw = append(raw, senderBox...)

	return envelopePrefix + base64.RawStdEncoding.EncodeToString(raw), nil
}

// Decrypt opens a message envelope with the caller's private key. isSender
// selects the sender slot ("I sent this") or the recipient slot ("someone
// sent this to me"). A nil key, a payload that is not an envelope, or an
// envelope this key cannot open all degrade to LockedSentinel; Decrypt
// never returns garbled text and never fails with an error.
func Decrypt(payload string, privateKey *ecdh.PrivateKey, isSender bool) string {
	if privateKey == nil {
		return LockedSentinel
	}
	if !IsEnvelope(payload) {
		return LockedSentinel
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(payload, envelopePrefix))
	if err != nil {
		return LockedSentinel
	}

	ephemeralPub, recipientBox, senderBox, err := splitEnvelope(raw)
	if err != nil {
		return LockedSentinel
	}

	box := recipientBox
	if isSender {
		box = senderBox
	}

	plaintext, err := openSlot(privateKey, ephemeralPub, box)
	if err != nil {
		return LockedSentinel
	}

	return string(plaintext)
}

// IsEnvelope reports whether a payload is one of this codec's envelopes.
// Media markers and other structured content never carry the prefix and
// pass through untouched by callers.
func IsEnvelope(payload string) bool {
	return strings.HasPrefix(payload, envelopePrefix)
}

func splitEnvelope(raw []byte) (ephemeralPub, recipientBox, senderBox []byte, err error) {
	if len(raw) < x25519KeySize+2 {
		return nil, nil, nil, fmt.Errorf("envelope too short: %d bytes", len(raw))
	}
	ephemeralPub = raw[:x25519KeySize]
	rest := raw[x25519KeySize:]

	recipientLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < recipientLen+2 {
		return nil, nil, nil, fmt.Errorf("truncated recipient slot")
	}
	recipientBox = rest[:recipientLen]
	rest = rest[recipientLen:]

	senderLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) != senderLen {
		return nil, nil, nil, fmt.Errorf("truncated sender slot")
	}
	senderBox = rest

	return ephemeralPub, recipientBox, senderBox, nil
}

func sealSlot(ephemeral *ecdh.PrivateKey, partyPub *ecdh.PublicKey, salt, plaintext []byte) ([]byte, error) {
	shared, err := ephemeral.ECDH(partyPub)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	aead, err := newSlotAEAD(shared, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func openSlot(privateKey *ecdh.PrivateKey, ephemeralPub, box []byte) ([]byte, error) {
	remote, err := x25519Curve.NewPublicKey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", err)
	}
	shared, err := privateKey.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	aead, err := newSlotAEAD(shared, ephemeralPub)
	if err != nil {
		return nil, err
	}
	if len(box) < gcmNonceSize {
		return nil, fmt.Errorf("slot too short: %d bytes", len(box))
	}

	plaintext, err := aead.Open(nil, box[:gcmNonceSize], box[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open slot: %w", err)
	}

	return plaintext, nil
}

func newSlotAEAD(shared, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive slot key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return aead, nil
}
