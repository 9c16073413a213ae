package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/blockflow/blockflow/pkg/errors"
)

// Argon2id parameters for sealing keys derived from a master passphrase.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLength   = 32

	saltSize = 16
)

// sealedBox is the serialized form of an encrypted payload. Each seal uses
// a fresh salt and nonce.
type sealedBox struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// Seal encrypts plaintext with AES-256-GCM under a key derived from the
// passphrase via Argon2id. The result is a self-contained JSON blob.
func Seal(passphrase, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "generating salt")
	}

	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCM")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}

	box := sealedBox{
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	}
	return json.Marshal(box)
}

// Open decrypts a blob produced by Seal. A wrong passphrase or tampered
// payload fails authentication.
func Open(passphrase, sealed []byte) ([]byte, error) {
	var box sealedBox
	if err := json.Unmarshal(sealed, &box); err != nil {
		return nil, errors.Wrap(err, "invalid sealed payload")
	}

	key := argon2.IDKey(passphrase, box.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCM")
	}

	plaintext, err := gcm.Open(nil, box.Nonce, box.Data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decryption failed")
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
