package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopeAlg = "aes-256-gcm-pbkdf2"
	saltLen     = 16
	nonceLen    = 12
	kdfIters    = 100000
	keyLen      = 32
)

// envelope is the stored ciphertext blob. Salt and nonce are fresh per
// write so rotation always changes the bytes at rest.
type envelope struct {
	Alg   string `json:"alg"`
	Salt  string `json:"salt"`
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
}

// seal encrypts plaintext into a JSON envelope string.
func (v *Vault) seal(plaintext []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)

	blob, err := json.Marshal(envelope{
		Alg:   envelopeAlg,
		Salt:  base64.StdEncoding.EncodeToString(salt),
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		CT:    base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(blob), nil
}

// open decrypts a JSON envelope string.
func (v *Vault) open(blob string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Alg != envelopeAlg {
		return nil, fmt.Errorf("unsupported envelope algorithm %q", env.Alg)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(salt) != saltLen || len(nonce) != nonceLen {
		return nil, errors.New("envelope salt or nonce has wrong length")
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plain, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.masterKey, salt, kdfIters, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
