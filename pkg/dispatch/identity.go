package dispatch

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fieldloop/lorad/pkg/types"
)

const (
	certSerialBits = 128
	certValidity   = 10 * 365 * 24 * time.Hour

	alpnProto = "lorad/1"
)

func generateIdentityCert(signPriv ed25519.PrivateKey) (tls.Certificate, error) {
	pub, ok := signPriv.Public().(ed25519.PublicKey)
	if !ok {
		return tls.Certificate{}, errors.New("identity private key is not ed25519")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), certSerialBits))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "lorad-gateway"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, signPriv)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  signPriv,
		Leaf:        leaf,
	}, nil
}

func routerKeyFromRawCert(certDER []byte) (types.RouterKey, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return types.RouterKey{}, errors.New("failed to parse router certificate")
	}

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.RouterKey{}, errors.New("router certificate does not contain ed25519 public key")
	}

	return types.RouterKeyFromBytes(pub), nil
}

// newPinnedTLSConfig accepts only the router whose key the route entry
// named; chain validation is replaced by key pinning.
func newPinnedTLSConfig(ourCert tls.Certificate, expected types.RouterKey) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{ourCert},
		InsecureSkipVerify: true, //nolint:gosec
		NextProtos:         []string{alpnProto},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no router certificate presented")
			}

			key, err := routerKeyFromRawCert(rawCerts[0])
			if err != nil {
				return err
			}

			if key != expected {
				return fmt.Errorf("%w: expected %s got %s", ErrIdentityMismatch, expected.Short(), key.Short())
			}

			return nil
		},
	}
}
