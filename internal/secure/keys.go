package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/youmark/pkcs8"
)

// DefaultKeySize is the RSA modulus size used when none is configured.
const DefaultKeySize = 8192

const minSafeKeySize = 2048

// KeyPair is the server's static key pair.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates a new RSA key pair with exponent 65537.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeySize
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// MarshalPrivateKey encodes priv as PKCS#8 PEM, encrypted when password is
// not empty.
func MarshalPrivateKey(priv *rsa.PrivateKey, password string) ([]byte, error) {
	var pass []byte
	typ := "PRIVATE KEY"
	if password != "" {
		pass = []byte(password)
		typ = "ENCRYPTED PRIVATE KEY"
	}
	der, err := pkcs8.MarshalPrivateKey(priv, pass, nil)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), nil
}

// ParsePrivateKey decodes a PKCS#8 PEM private key.
func ParsePrivateKey(data []byte, password string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key: no PEM block")
	}
	var pass [][]byte
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		pass = append(pass, []byte(password))
	}
	priv, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, pass...)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey encodes pub as PKIX PEM.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey decodes a PKIX PEM public key. Base64 encoded PEM, as sent
// by clients, is accepted too.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "-----BEGIN") {
		raw, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, errors.New("public key: not PEM or base64 PEM")
		}
		data = raw
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("public key: no PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key: not RSA")
	}
	return pub, nil
}

// PublicKeyBase64 returns the base64 encoded PEM of the public key.
func (k *KeyPair) PublicKeyBase64() string {
	pemBytes, err := MarshalPublicKey(k.Public)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(pemBytes)
}

// Save writes the key pair. The private key file is created with mode 0600.
func (k *KeyPair) Save(privFile, pubFile, password string) error {
	privPEM, err := MarshalPrivateKey(k.Private, password)
	if err != nil {
		return err
	}
	pubPEM, err := MarshalPublicKey(k.Public)
	if err != nil {
		return err
	}
	for _, f := range []string{privFile, pubFile} {
		if dir := filepath.Dir(f); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}
	if err := os.WriteFile(privFile, privPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(pubFile, pubPEM, 0o644)
}

// Load reads a key pair written by Save.
func Load(privFile, pubFile, password string) (*KeyPair, error) {
	privPEM, err := os.ReadFile(privFile)
	if err != nil {
		return nil, err
	}
	priv, err := ParsePrivateKey(privPEM, password)
	if err != nil {
		return nil, err
	}
	pubPEM, err := os.ReadFile(pubFile)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return nil, err
	}
	if pub.N.Cmp(priv.N) != 0 || pub.E != priv.E {
		return nil, errors.New("public key does not match private key")
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// LoadOrGenerate loads the key pair, generating and saving a new one when
// either file is missing.
func LoadOrGenerate(log zerolog.Logger, privFile, pubFile, password string, bits int) (*KeyPair, error) {
	kp, err := Load(privFile, pubFile, password)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if bits <= 0 {
		bits = DefaultKeySize
	}
	if bits < minSafeKeySize {
		log.Warn().Int("bits", bits).Msg("rsa key size below 2048 bits is not secure")
	}
	log.Info().Int("bits", bits).Str("private", privFile).Msg("generating server key pair")
	kp, err = GenerateKeyPair(bits)
	if err != nil {
		return nil, err
	}
	if err := kp.Save(privFile, pubFile, password); err != nil {
		return nil, fmt.Errorf("save key pair: %w", err)
	}
	return kp, nil
}
