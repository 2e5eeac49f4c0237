// Package signature validates the signed-envelope headers of a downloaded
// configuration and checks the enclosed signature against the certificates
// pinned for the location it was downloaded from.
package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/textproto"
	"strings"

	"globalconf/pkg/conferr"
	"globalconf/pkg/hash"
	"globalconf/pkg/types"
	"globalconf/pkg/utils"
)

// Header names and required values of the signature part.
const (
	HeaderContentType             = "Content-Type"
	HeaderContentTransferEncoding = "Content-Transfer-Encoding"
	HeaderSignatureAlgorithmID    = "Signature-Algorithm-Id"
	HeaderVerificationCertHash    = "Verification-Certificate-Hash"
	ParamHashAlgorithmID          = "hash-algorithm-id"

	ContentTypeBinary = "application/octet-stream"
	EncodingBase64    = "base64"
)

// Signature algorithm identifiers.
const (
	RSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	RSASHA384   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	RSASHA512   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	ECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	ECDSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384"
	ECDSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512"
	Ed25519     = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
)

type algorithm struct {
	x509 x509.SignatureAlgorithm
	hash crypto.Hash
}

var algorithms = map[string]algorithm{
	RSASHA256:   {x509.SHA256WithRSA, crypto.SHA256},
	RSASHA384:   {x509.SHA384WithRSA, crypto.SHA384},
	RSASHA512:   {x509.SHA512WithRSA, crypto.SHA512},
	ECDSASHA256: {x509.ECDSAWithSHA256, crypto.SHA256},
	ECDSASHA384: {x509.ECDSAWithSHA384, crypto.SHA384},
	ECDSASHA512: {x509.ECDSAWithSHA512, crypto.SHA512},
	Ed25519:     {x509.PureEd25519, crypto.Hash(0)},
}

// ConfigurationSignature holds the validated headers of a signature part.
type ConfigurationSignature struct {
	ContentType                     string
	ContentTransferEncoding         string
	SignatureAlgorithmID            string
	VerificationCertHash            string
	VerificationCertHashAlgorithmID string
}

// ParseHeaders validates the signature part headers. Every field must be
// present before any of them is used.
func ParseHeaders(headers textproto.MIMEHeader) (*ConfigurationSignature, error) {
	if headers == nil {
		return nil, conferr.Malformed("signature headers are missing")
	}

	if err := requireField(headers, HeaderContentType, ContentTypeBinary); err != nil {
		return nil, err
	}
	if err := requireField(headers, HeaderContentTransferEncoding, EncodingBase64); err != nil {
		return nil, err
	}
	if err := requireField(headers, HeaderSignatureAlgorithmID, ""); err != nil {
		return nil, err
	}
	if err := requireField(headers, HeaderVerificationCertHash, ""); err != nil {
		return nil, err
	}

	certHash, params := utils.ParseHeaderValue(headers.Get(HeaderVerificationCertHash))
	algoID := params[ParamHashAlgorithmID]
	if certHash == "" {
		return nil, conferr.Malformed("field %s has an empty value", HeaderVerificationCertHash)
	}
	if algoID == "" {
		return nil, conferr.Malformed("field %s is missing parameter %s", HeaderVerificationCertHash, ParamHashAlgorithmID)
	}

	return &ConfigurationSignature{
		ContentType:                     headers.Get(HeaderContentType),
		ContentTransferEncoding:         headers.Get(HeaderContentTransferEncoding),
		SignatureAlgorithmID:            strings.TrimSpace(headers.Get(HeaderSignatureAlgorithmID)),
		VerificationCertHash:            certHash,
		VerificationCertHashAlgorithmID: algoID,
	}, nil
}

// requireField checks that name is present and, when expected is not empty,
// that its leading value equals expected (case-insensitive).
func requireField(headers textproto.MIMEHeader, name, expected string) error {
	raw := strings.TrimSpace(headers.Get(name))
	if raw == "" {
		return conferr.Malformed("signature part is missing field %s", name)
	}
	if expected == "" {
		return nil
	}
	value, _ := utils.ParseHeaderValue(raw)
	if !strings.EqualFold(value, expected) {
		return conferr.Malformed("field %s must be %q, got %q", name, expected, value)
	}
	return nil
}

// FindVerificationCert returns the pinned certificate of location whose
// digest under algorithmID equals certHash.
func FindVerificationCert(location types.ConfigurationLocation, certHash, algorithmID string) (*x509.Certificate, error) {
	if _, err := hash.Lookup(algorithmID); err != nil {
		return nil, err
	}
	for _, der := range location.VerificationCerts {
		digest, err := hash.DigestBase64(der, algorithmID)
		if err != nil {
			return nil, err
		}
		if digest != certHash {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, conferr.Trust("pinned certificate for %s cannot be parsed: %w", location, err)
		}
		return cert, nil
	}
	return nil, conferr.Trust("no pinned verification certificate of %s matches hash %s", location, certHash)
}

// Verify checks signatureValue (base64, as transferred) over signedData
// using the pinned certificate selected by the signature headers.
func Verify(sig *ConfigurationSignature, signedData, signatureValue []byte, location types.ConfigurationLocation) error {
	alg, ok := algorithms[sig.SignatureAlgorithmID]
	if !ok {
		return conferr.Malformed("unsupported signature algorithm %q", sig.SignatureAlgorithmID)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(signatureValue)), ""))
	if err != nil {
		return conferr.Malformed("signature value is not valid base64: %w", err)
	}

	cert, err := FindVerificationCert(location, sig.VerificationCertHash, sig.VerificationCertHashAlgorithmID)
	if err != nil {
		return err
	}

	if err := cert.CheckSignature(alg.x509, signedData, raw); err != nil {
		return conferr.Trust("signature of configuration from %s is invalid: %w", location, err)
	}
	return nil
}

// Sign produces a base64 signature over data. It is the counterpart of
// Verify, used by tooling that publishes envelopes.
func Sign(signer crypto.Signer, algorithmID string, data []byte) (string, error) {
	alg, ok := algorithms[algorithmID]
	if !ok {
		return "", fmt.Errorf("unsupported signature algorithm %q", algorithmID)
	}

	var (
		raw []byte
		err error
	)
	if _, isEd := signer.Public().(ed25519.PublicKey); isEd || alg.hash == 0 {
		raw, err = signer.Sign(rand.Reader, data, crypto.Hash(0))
	} else {
		h := alg.hash.New()
		h.Write(data)
		raw, err = signer.Sign(rand.Reader, h.Sum(nil), alg.hash)
	}
	if err != nil {
		return "", fmt.Errorf("signing data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Algorithms lists the supported signature algorithm identifiers.
func Algorithms() []string {
	ids := make([]string, 0, len(algorithms))
	for id := range algorithms {
		ids = append(ids, id)
	}
	return ids
}
