// Package secure implements the hybrid message envelope: a random AES-256 key
// wrapped with RSA-OAEP, and the payload under AES-CTR.
//
// A blob is base64(len(encKey) as 4 bytes big-endian || encKey || nonce || ciphertext).
// Decryption splits the ciphertext into block-aligned chunks and decrypts them
// in parallel, seeking the counter for each chunk.
package secure

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	keySize   = 32
	nonceSize = aes.BlockSize
	// ChunkSize is the unit of parallel decryption. It must stay a multiple
	// of the AES block size.
	ChunkSize = 1 << 20
)

// HashNone marks plaintext responses.
const HashNone = "none"

// DecryptionError reports a malformed envelope, a wrong key or an
// unsupported hash.
type DecryptionError struct{ Reason string }

func (e DecryptionError) Error() string { return "decryption failed: " + e.Reason }

func IsDecryptionError(err error) bool {
	var e DecryptionError
	return errors.As(err, &e)
}

// ErrUnsupportedHash is returned for hash names outside sha1 and the sha2
// family.
var ErrUnsupportedHash = errors.New("unsupported hash")

var hashes = map[string]crypto.Hash{
	"sha1":   crypto.SHA1,
	"sha224": crypto.SHA224,
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

// ParseHash maps a hash name to its digest.
func ParseHash(name string) (crypto.Hash, error) {
	h, ok := hashes[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedHash, name)
	}
	return h, nil
}

// Hashes lists every supported hash name.
func Hashes() []string { return []string{"sha1", "sha224", "sha256", "sha384", "sha512"} }

// Encrypt seals plaintext for pub. OAEP uses the named hash for both the
// label digest and MGF1.
func Encrypt(hashName string, pub *rsa.PublicKey, plaintext []byte) (string, error) {
	h, err := ParseHash(hashName)
	if err != nil {
		return "", err
	}
	key := make([]byte, keySize)
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	encKey, err := rsa.EncryptOAEP(h.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("wrap key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, 4+len(encKey)+nonceSize+len(plaintext))
	binary.BigEndian.PutUint32(out, uint32(len(encKey)))
	n := 4 + copy(out[4:], encKey)
	n += copy(out[n:], nonce)
	cipher.NewCTR(block, nonce).XORKeyStream(out[n:], plaintext)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt, decrypting up to maxThreads
// chunks at a time.
func Decrypt(hashName string, priv crypto.Decrypter, blob string, maxThreads int) ([]byte, error) {
	h, err := ParseHash(hashName)
	if err != nil {
		return nil, DecryptionError{Reason: err.Error()}
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, DecryptionError{Reason: "invalid base64"}
	}
	if len(data) < 4 {
		return nil, DecryptionError{Reason: "truncated envelope"}
	}
	keyLen := int(binary.BigEndian.Uint32(data))
	if keyLen <= 0 || len(data) < 4+keyLen+nonceSize {
		return nil, DecryptionError{Reason: "truncated envelope"}
	}
	encKey := data[4 : 4+keyLen]
	nonce := data[4+keyLen : 4+keyLen+nonceSize]
	ciphertext := data[4+keyLen+nonceSize:]

	key, err := priv.Decrypt(rand.Reader, encKey, &rsa.OAEPOptions{Hash: h, MGFHash: h})
	if err != nil {
		return nil, DecryptionError{Reason: "unwrap key"}
	}
	if len(key) != keySize {
		return nil, DecryptionError{Reason: "bad key length"}
	}
	return decryptChunks(key, nonce, ciphertext, ChunkSize, maxThreads)
}

// decryptChunks decrypts ciphertext in chunks of chunkSize bytes. Each chunk
// writes only its own region of the output.
func decryptChunks(key, nonce, ciphertext []byte, chunkSize, maxThreads int) ([]byte, error) {
	if chunkSize <= 0 || chunkSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("chunk size %d is not a multiple of %d", chunkSize, aes.BlockSize)
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	var iv [nonceSize]byte
	copy(iv[:], nonce)
	blocksPerChunk := uint64(chunkSize / aes.BlockSize)

	out := make([]byte, len(ciphertext))
	var g errgroup.Group
	g.SetLimit(maxThreads)
	for i, start := 0, 0; start < len(ciphertext); i, start = i+1, start+chunkSize {
		end := min(start+chunkSize, len(ciphertext))
		ctr := counterAt(iv, uint64(i)*blocksPerChunk)
		g.Go(func() error {
			block, err := aes.NewCipher(key)
			if err != nil {
				return err
			}
			cipher.NewCTR(block, ctr[:]).XORKeyStream(out[start:end], ciphertext[start:end])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, DecryptionError{Reason: err.Error()}
	}
	return out, nil
}

// counterAt returns the CTR counter block advanced by n blocks, modulo 2^128.
func counterAt(iv [nonceSize]byte, n uint64) [nonceSize]byte {
	hi := binary.BigEndian.Uint64(iv[:8])
	lo := binary.BigEndian.Uint64(iv[8:])
	sum := lo + n
	if sum < lo {
		hi++
	}
	var out [nonceSize]byte
	binary.BigEndian.PutUint64(out[:8], hi)
	binary.BigEndian.PutUint64(out[8:], sum)
	return out
}
