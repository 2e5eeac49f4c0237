package parser

import (
	"bytes"
	"crypto"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"time"

	"globalconf/pkg/hash"
	"globalconf/pkg/signature"
	"globalconf/pkg/types"
)

// Signer signs envelopes. CertDER is the certificate whose digest under
// CertHashAlgorithmID is announced to the verifier.
type Signer struct {
	Key                 crypto.Signer
	AlgorithmID         string
	CertDER             []byte
	CertHashAlgorithmID string
}

// Encode builds a signed envelope listing files. It returns the body and
// its content type.
func Encode(expiration time.Time, files []types.ConfigurationFile, signer Signer) ([]byte, string, error) {
	var signed bytes.Buffer
	inner := multipart.NewWriter(&signed)
	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", signature.ContentTypeBinary)
		h.Set(HeaderContentTransferEncoding, signature.EncodingBase64)
		id := string(f.ContentIdentifier)
		if f.InstanceIdentifier != "" {
			id += fmt.Sprintf("; %s=%q", ParamInstance, f.InstanceIdentifier)
		}
		h.Set(HeaderContentIdentifier, id)
		h.Set(HeaderContentLocation, f.ContentLocation)
		h.Set(HeaderHashAlgorithmID, f.HashAlgorithmID)

		w, err := inner.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating content part: %w", err)
		}
		if _, err := w.Write([]byte(f.Hash)); err != nil {
			return nil, "", fmt.Errorf("writing content part: %w", err)
		}
	}
	if err := inner.Close(); err != nil {
		return nil, "", fmt.Errorf("closing signed data: %w", err)
	}

	sigValue, err := signature.Sign(signer.Key, signer.AlgorithmID, signed.Bytes())
	if err != nil {
		return nil, "", err
	}
	certHash, err := hash.DigestBase64(signer.CertDER, signer.CertHashAlgorithmID)
	if err != nil {
		return nil, "", err
	}

	var body bytes.Buffer
	outer := multipart.NewWriter(&body)

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", MediaTypeSignedData+"; boundary="+inner.Boundary())
	h.Set(HeaderExpireDate, expiration.UTC().Format(time.RFC3339))
	w, err := outer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("creating signed data part: %w", err)
	}
	if _, err := w.Write(signed.Bytes()); err != nil {
		return nil, "", fmt.Errorf("writing signed data part: %w", err)
	}

	h = textproto.MIMEHeader{}
	h.Set(signature.HeaderContentType, signature.ContentTypeBinary)
	h.Set(signature.HeaderContentTransferEncoding, signature.EncodingBase64)
	h.Set(signature.HeaderSignatureAlgorithmID, signer.AlgorithmID)
	h.Set(signature.HeaderVerificationCertHash, fmt.Sprintf("%s; %s=%q", certHash, signature.ParamHashAlgorithmID, signer.CertHashAlgorithmID))
	w, err = outer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("creating signature part: %w", err)
	}
	if _, err := w.Write([]byte(sigValue)); err != nil {
		return nil, "", fmt.Errorf("writing signature part: %w", err)
	}
	if err := outer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing envelope: %w", err)
	}

	return body.Bytes(), MediaTypeEnvelope + "; boundary=" + outer.Boundary(), nil
}
