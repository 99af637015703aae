// Package signer fronts the gateway's cryptographic identity. Session
// handshakes and beacons both sign through it; if the key is unusable the
// gateway cannot participate in the network at all, so signing failures
// escalate instead of retrying.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldloop/lorad/pkg/perm"
)

// ErrKeyUnusable wraps any signing failure. It is a process-level fault:
// operator intervention is required, local retries cannot help.
var ErrKeyUnusable = errors.New("signing key unusable")

type Signer interface {
	// Sign returns a signature over msg, or an error wrapping
	// ErrKeyUnusable.
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

const (
	keysDir        = "keys"
	signingKeyName = "gateway.key"
	signingPubName = "gateway.pub"
	pemTypePriv    = "ED25519 PRIVATE KEY"
	pemTypePub     = "ED25519 PUBLIC KEY"
	keyDirPerm     = 0o700
)

// FileSigner signs with an ed25519 key kept in the gateway state
// directory, generating one on first start.
type FileSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

var _ Signer = (*FileSigner)(nil)

func NewFileSigner(stateDir string) (*FileSigner, error) {
	priv, pub, err := loadOrGenKey(stateDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnusable, err)
	}
	return &FileSigner{priv: priv, pub: pub}, nil
}

func (s *FileSigner) Sign(msg []byte) ([]byte, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: key not loaded", ErrKeyUnusable)
	}
	return ed25519.Sign(s.priv, msg), nil
}

func (s *FileSigner) PublicKey() ed25519.PublicKey { return s.pub }

// Private exposes the key for TLS certificate generation at session dial
// time.
func (s *FileSigner) Private() ed25519.PrivateKey { return s.priv }

func loadOrGenKey(stateDir string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	dir := filepath.Join(stateDir, keysDir)

	privPath := filepath.Join(dir, signingKeyName)
	pubPath := filepath.Join(dir, signingPubName)

	keyEnc, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		pubEnc, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, nil, err
		}

		block, _ := pem.Decode(keyEnc)
		if block == nil || block.Type != pemTypePriv {
			return nil, nil, errors.New("invalid private key PEM")
		}
		if len(block.Bytes) != ed25519.SeedSize {
			return nil, nil, errors.New("invalid private key length")
		}
		priv := ed25519.NewKeyFromSeed(block.Bytes)

		block, _ = pem.Decode(pubEnc)
		if block == nil || block.Type != pemTypePub {
			return nil, nil, errors.New("invalid public key PEM")
		}
		return priv, ed25519.PublicKey(block.Bytes), nil

	case errors.Is(err, os.ErrNotExist):
		return genKey(dir, privPath, pubPath)

	default:
		return nil, nil, err
	}
}

func genKey(dir, privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if err := os.MkdirAll(dir, keyDirPerm); err != nil {
		return nil, nil, err
	}
	if err := perm.SetGroupDir(dir); err != nil {
		return nil, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privFile, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, err
	}
	defer privFile.Close()

	if err := pem.Encode(privFile, &pem.Block{Type: pemTypePriv, Bytes: priv.Seed()}); err != nil {
		return nil, nil, err
	}

	pubFile, err := os.Create(pubPath)
	if err != nil {
		return nil, nil, err
	}
	defer pubFile.Close()

	if err := pem.Encode(pubFile, &pem.Block{Type: pemTypePub, Bytes: pub}); err != nil {
		return nil, nil, err
	}
	if err := perm.SetGroupReadable(pubPath); err != nil {
		return nil, nil, err
	}

	return priv, pub, nil
}
