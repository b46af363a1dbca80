package feed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

// The last 88 bytes of every payload are base64 text holding the encrypted
// second-stage private key.
const masterSegmentLen = 88

const (
	kdfIterations = 1000
	kdfKeyLen     = 16
)

var (
	// ErrKeyIndexOutOfRange means the key-material table no longer lines up
	// with the route list, usually an upstream protocol change. Fatal for
	// the cycle, retried on the next one.
	ErrKeyIndexOutOfRange = errors.New("key material index out of range")

	// ErrDecryptionFailed means the payload could not be decrypted with the
	// resolved key material, most often because the table rotated between
	// fetches. Retryable; distinct from transport failures.
	ErrDecryptionFailed = errors.New("payload decryption failed")
)

// ResolveKeyMaterial picks the table slot for the current cycle. The
// selection is deliberately indirect upstream: the key index is the sum of
// the route zoom levels, and the salt/IV indices are the character lengths
// of the first salt/IV entries. The arithmetic must stay exactly as the
// provider defined it.
func ResolveKeyMaterial(routes []RouteDescriptor, table KeyMaterialTable) (ResolvedKeyMaterial, error) {
	index := 0
	for _, route := range routes {
		index += route.ZoomLevel
	}

	if index < 0 || index >= len(table.PublicKeys) {
		return ResolvedKeyMaterial{}, fmt.Errorf("%w: zoom sum %d, %d candidate keys",
			ErrKeyIndexOutOfRange, index, len(table.PublicKeys))
	}
	if len(table.Salts) == 0 || len(table.IVs) == 0 {
		return ResolvedKeyMaterial{}, fmt.Errorf("%w: empty salt or IV table", ErrKeyIndexOutOfRange)
	}

	saltIndex := len(table.Salts[0])
	if saltIndex >= len(table.Salts) {
		return ResolvedKeyMaterial{}, fmt.Errorf("%w: salt index %d, %d entries",
			ErrKeyIndexOutOfRange, saltIndex, len(table.Salts))
	}
	salt, err := hex.DecodeString(table.Salts[saltIndex])
	if err != nil {
		return ResolvedKeyMaterial{}, fmt.Errorf("%w: salt entry %d is not hex", ErrKeyIndexOutOfRange, saltIndex)
	}

	ivIndex := len(table.IVs[0])
	if ivIndex >= len(table.IVs) {
		return ResolvedKeyMaterial{}, fmt.Errorf("%w: IV index %d, %d entries",
			ErrKeyIndexOutOfRange, ivIndex, len(table.IVs))
	}
	iv, err := hex.DecodeString(table.IVs[ivIndex])
	if err != nil {
		return ResolvedKeyMaterial{}, fmt.Errorf("%w: IV entry %d is not hex", ErrKeyIndexOutOfRange, ivIndex)
	}

	return ResolvedKeyMaterial{
		PublicKey: table.PublicKeys[index],
		Salt:      salt,
		IV:        iv,
	}, nil
}

// DecryptPayload recovers the plaintext feed from an opaque payload. The
// real decryption key is itself delivered encrypted in the payload's master
// segment: stage one decrypts that segment with the resolved public key to
// recover the private key, stage two decrypts the body with it.
func DecryptPayload(payload []byte, key ResolvedKeyMaterial) ([]byte, error) {
	if len(payload) <= masterSegmentLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, need more than %d",
			ErrDecryptionFailed, len(payload), masterSegmentLen)
	}

	body := payload[:len(payload)-masterSegmentLen]
	masterSegment := payload[len(payload)-masterSegmentLen:]

	keyBlob, err := decryptSegment(masterSegment, key.PublicKey, key.Salt, key.IV)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(keyBlob) {
		return nil, fmt.Errorf("%w: private key blob is not UTF-8", ErrDecryptionFailed)
	}
	// The first pipe-delimited field is the private key; the rest is
	// reserved by this feed version (and whatever padding follows).
	privateKey := strings.SplitN(string(keyBlob), "|", 2)[0]

	padded, err := decryptSegment(body, privateKey, key.Salt, key.IV)
	if err != nil {
		return nil, err
	}

	plaintext, err := stripPKCS7(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (stale key material?)", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// decryptSegment base64-decodes one payload segment and decrypts it with
// AES-128-CBC under a PBKDF2(SHA-1) key derived from the password.
func decryptSegment(segment []byte, password string, salt, iv []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(segment)))
	if err != nil {
		return nil, fmt.Errorf("%w: segment is not base64: %v", ErrDecryptionFailed, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a block multiple", ErrDecryptionFailed, len(raw))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: IV is %d bytes, want %d", ErrDecryptionFailed, len(iv), aes.BlockSize)
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, raw)
	return plaintext, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha1.New)
}

func stripPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("padded data length %d is not a block multiple", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("inconsistent padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
