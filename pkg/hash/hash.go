// Package hash computes and compares content digests identified by
// XML-DSig style algorithm URIs.
package hash

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	stdhash "hash"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"globalconf/pkg/conferr"
)

// Algorithm identifiers accepted in Hash-algorithm-id headers.
const (
	SHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	SHA224 = "http://www.w3.org/2001/04/xmldsig-more#sha224"
	SHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	SHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	SHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
	BLAKE3 = "urn:globalconf:hash:blake3-256"
)

// Algorithm is a registered digest algorithm.
type Algorithm struct {
	ID   string
	Name string
	New  func() stdhash.Hash
}

var algorithms = map[string]Algorithm{
	SHA1:   {ID: SHA1, Name: "SHA-1", New: sha1.New},
	SHA224: {ID: SHA224, Name: "SHA-224", New: sha256.New224},
	SHA256: {ID: SHA256, Name: "SHA-256", New: sha256.New},
	SHA384: {ID: SHA384, Name: "SHA-384", New: sha512.New384},
	SHA512: {ID: SHA512, Name: "SHA-512", New: sha512.New},
	BLAKE3: {ID: BLAKE3, Name: "BLAKE3-256", New: func() stdhash.Hash { return blake3.New() }},
}

// Lookup returns the algorithm registered under id.
func Lookup(id string) (Algorithm, error) {
	alg, ok := algorithms[id]
	if !ok {
		return Algorithm{}, conferr.Malformed("unsupported hash algorithm %q", id)
	}
	return alg, nil
}

// Supported lists the registered algorithm identifiers in sorted order.
func Supported() []string {
	ids := make([]string, 0, len(algorithms))
	for id := range algorithms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Digest computes the digest of data.
func Digest(data []byte, algorithmID string) ([]byte, error) {
	alg, err := Lookup(algorithmID)
	if err != nil {
		return nil, err
	}
	h := alg.New()
	h.Write(data)
	return h.Sum(nil), nil
}

// Encode returns the canonical base64 form of a digest.
func Encode(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

// DigestBase64 is Digest followed by Encode.
func DigestBase64(data []byte, algorithmID string) (string, error) {
	digest, err := Digest(data, algorithmID)
	if err != nil {
		return "", err
	}
	return Encode(digest), nil
}

// Decode decodes a base64 declared digest. Padding is optional and
// surrounding whitespace is ignored.
func Decode(declaredHash string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(declaredHash), "=")
	digest, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, conferr.Malformed("declared hash is not valid base64: %w", err)
	}
	return digest, nil
}

// Verify checks data against a base64 encoded declared digest.
func Verify(data []byte, declaredHash, algorithmID string) error {
	expected, err := Decode(declaredHash)
	if err != nil {
		return err
	}
	actual, err := Digest(data, algorithmID)
	if err != nil {
		return err
	}
	if !bytes.Equal(actual, expected) {
		return conferr.Integrity("content hash %s does not match declared hash %s", Encode(actual), declaredHash)
	}
	return nil
}

// HashFile computes the digest of the file at path, streaming it through
// the hash function.
func HashFile(path, algorithmID string) ([]byte, error) {
	alg, err := Lookup(algorithmID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	h := alg.New()
	if _, err := io.Copy(h, file); err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
