// Package secrets encrypts credential material at rest and hands out
// plaintext only inside a scoped acquisition.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"quipucords/internal/models"
)

const (
	// KeySize is the secretbox key length in bytes
	KeySize = 32
	prefix  = "$qpc;secretbox;1$"
)

var (
	// ErrDecrypt is returned when ciphertext cannot be opened with the configured key
	ErrDecrypt = errors.New("unable to decrypt secret")
	// ErrMissingMaterial is returned when a credential has no usable auth material
	ErrMissingMaterial = errors.New("credential has no auth material")
)

// Codec encrypts and decrypts credential fields
type Codec struct {
	key [KeySize]byte
}

// NewCodec builds a codec from a raw 32 byte key
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", KeySize, len(key))
	}
	c := &Codec{}
	copy(c.key[:], key)
	return c, nil
}

// NewCodecFromBase64 decodes a base64 key and builds a codec
func NewCodecFromBase64(encoded string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret key must be valid base64: %w", err)
	}
	return NewCodec(key)
}

// IsEncrypted reports whether v carries the codec envelope
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, prefix)
}

// Encrypt seals plaintext; empty input and already sealed values are returned unchanged
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens a sealed value into a fresh byte slice owned by the caller
func (c *Codec) decrypt(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	if !IsEncrypted(v) {
		return nil, fmt.Errorf("%w: value is not sealed", ErrDecrypt)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, prefix))
	if err != nil || len(raw) < 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SealCredential encrypts every sensitive field of a credential in place
func (c *Codec) SealCredential(cred *models.Credential) error {
	fields := []*string{&cred.Auth.Password, &cred.Auth.SSHKey, &cred.Auth.SSHPassphrase, &cred.Auth.AuthToken}
	if cred.Become != nil {
		fields = append(fields, &cred.Become.Password)
	}
	for _, f := range fields {
		sealed, err := c.Encrypt(*f)
		if err != nil {
			return err
		}
		*f = sealed
	}
	return nil
}

// Plaintext is decrypted credential material. Its buffers are zeroed when the
// acquisition that produced it returns; callers must not retain them.
type Plaintext struct {
	Kind           models.AuthKind
	Username       string
	Password       []byte
	SSHKey         []byte
	SSHPassphrase  []byte
	AuthToken      []byte
	BecomeMethod   models.BecomeMethod
	BecomeUser     string
	BecomePassword []byte
}

// HasBecome reports whether privilege escalation is configured
func (p *Plaintext) HasBecome() bool {
	return p.BecomeMethod != ""
}

func (p *Plaintext) zero() {
	for _, b := range [][]byte{p.Password, p.SSHKey, p.SSHPassphrase, p.AuthToken, p.BecomePassword} {
		for i := range b {
			b[i] = 0
		}
	}
}

// Acquire decrypts a credential, calls fn with the plaintext and zeroes it afterwards
func (c *Codec) Acquire(cred *models.Credential, fn func(*Plaintext) error) error {
	p := &Plaintext{Kind: cred.Auth.Kind, Username: cred.Username}
	defer p.zero()

	var err error
	if p.Password, err = c.decrypt(cred.Auth.Password); err != nil {
		return fmt.Errorf("credential %q password: %w", cred.Name, err)
	}
	if p.SSHKey, err = c.decrypt(cred.Auth.SSHKey); err != nil {
		return fmt.Errorf("credential %q ssh key: %w", cred.Name, err)
	}
	if p.SSHPassphrase, err = c.decrypt(cred.Auth.SSHPassphrase); err != nil {
		return fmt.Errorf("credential %q ssh passphrase: %w", cred.Name, err)
	}
	if p.AuthToken, err = c.decrypt(cred.Auth.AuthToken); err != nil {
		return fmt.Errorf("credential %q auth token: %w", cred.Name, err)
	}
	if cred.Become != nil {
		p.BecomeMethod = cred.Become.Method
		p.BecomeUser = cred.Become.User
		if p.BecomePassword, err = c.decrypt(cred.Become.Password); err != nil {
			return fmt.Errorf("credential %q become password: %w", cred.Name, err)
		}
	}

	switch p.Kind {
	case models.AuthPassword:
		if len(p.Password) == 0 {
			return fmt.Errorf("credential %q: %w", cred.Name, ErrMissingMaterial)
		}
	case models.AuthSSHKey:
		if len(p.SSHKey) == 0 {
			return fmt.Errorf("credential %q: %w", cred.Name, ErrMissingMaterial)
		}
	case models.AuthToken:
		if len(p.AuthToken) == 0 {
			return fmt.Errorf("credential %q: %w", cred.Name, ErrMissingMaterial)
		}
	default:
		return fmt.Errorf("credential %q: unknown auth kind %q", cred.Name, p.Kind)
	}

	return fn(p)
}
