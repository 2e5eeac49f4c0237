// Package testutil holds fixtures shared by package tests: signing
// identities, small certificate hierarchies and an in-process mirror.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"globalconf/pkg/hash"
	"globalconf/pkg/types"
)

var serial atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(time.Now().UnixNano() + serial.Add(1))
}

// Identity is a certificate with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// DER returns the raw certificate.
func (id *Identity) DER() []byte {
	return id.Cert.Raw
}

// Base64 returns the base64 encoded certificate, as found in anchors and
// parameter documents.
func (id *Identity) Base64() string {
	return base64.StdEncoding.EncodeToString(id.Cert.Raw)
}

// PEM returns the PEM encoded certificate.
func (id *Identity) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Cert.Raw})
}

// CertHash returns the base64 digest of the certificate under algorithmID.
func (id *Identity) CertHash(t testing.TB, algorithmID string) string {
	t.Helper()
	digest, err := hash.DigestBase64(id.Cert.Raw, algorithmID)
	require.NoError(t, err)
	return digest
}

// NewSigningIdentity creates a self-signed Ed25519 configuration signing
// certificate.
func NewSigningIdentity(t testing.TB, commonName string) *Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return selfSigned(t, commonName, pub, priv, false)
}

// NewECDSASigningIdentity creates a self-signed P-256 signing certificate.
func NewECDSASigningIdentity(t testing.TB, commonName string) *Identity {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return selfSigned(t, commonName, &priv.PublicKey, priv, false)
}

// NewCA creates a self-signed Ed25519 certificate authority.
func NewCA(t testing.TB, commonName string) *Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return selfSigned(t, commonName, pub, priv, true)
}

func selfSigned(t testing.TB, commonName string, pub crypto.PublicKey, priv crypto.Signer, isCA bool) *Identity {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject: pkix.Name{
			Organization: []string{"Global Configuration Test"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if isCA {
		template.IsCA = true
		template.MaxPathLen = 2
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Identity{Cert: cert, Key: priv}
}

// Issue signs a new certificate with the receiver, which must be a CA.
// Intermediate issues another CA.
func (id *Identity) Issue(t testing.TB, commonName string, intermediate bool) *Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject: pkix.Name{
			Organization: []string{"Global Configuration Test"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if intermediate {
		template.IsCA = true
		template.MaxPathLen = 1
		template.KeyUsage |= x509.KeyUsageCertSign
	}

	der, err := x509.CreateCertificate(rand.Reader, template, id.Cert, pub, id.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Identity{Cert: cert, Key: priv}
}

// Location builds a configuration location pinned to the given identities.
func Location(instance, downloadURL string, pinned ...*Identity) types.ConfigurationLocation {
	loc := types.ConfigurationLocation{
		SourceInstance: instance,
		DownloadURL:    downloadURL,
	}
	for _, id := range pinned {
		loc.VerificationCerts = append(loc.VerificationCerts, id.DER())
	}
	return loc
}
