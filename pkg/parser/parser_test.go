package parser

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"globalconf/pkg/conferr"
	"globalconf/pkg/hash"
	"globalconf/pkg/signature"
	"globalconf/pkg/testutil"
	"globalconf/pkg/types"
)

var expiration = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func signerFor(id *testutil.Identity) Signer {
	return Signer{
		Key:                 id.Key,
		AlgorithmID:         signature.Ed25519,
		CertDER:             id.DER(),
		CertHashAlgorithmID: hash.SHA256,
	}
}

func sampleFiles() []types.ConfigurationFile {
	return []types.ConfigurationFile{
		{
			ContentIdentifier:  types.ContentPrivateParameters,
			InstanceIdentifier: "EE",
			ContentLocation:    "/V2/EE/private-params.xml",
			Hash:               "cHJpdmF0ZQ==",
			HashAlgorithmID:    hash.SHA512,
		},
		{
			ContentIdentifier:  types.ContentSharedParameters,
			InstanceIdentifier: "EE",
			ContentLocation:    "/V2/EE/shared-params.xml",
			Hash:               "c2hhcmVk",
			HashAlgorithmID:    hash.SHA256,
		},
		{
			ContentIdentifier: "FUTURE",
			ContentLocation:   "/V2/EE/future.bin",
			Hash:              "ZnV0dXJl",
			HashAlgorithmID:   hash.SHA256,
		},
	}
}

func TestParseEnvelope(t *testing.T) {
	id := testutil.NewSigningIdentity(t, "signer")
	loc := testutil.Location("EE", "http://mirror.example/conf", id)

	body, contentType, err := Encode(expiration, sampleFiles(), signerFor(id))
	require.NoError(t, err)

	conf, err := Parse(loc, bytes.NewReader(body), contentType)
	require.NoError(t, err)

	assert.Equal(t, expiration, conf.ExpirationDate)
	assert.Equal(t, loc.DownloadURL, conf.Location.DownloadURL)
	require.Len(t, conf.Files, 3)

	f := conf.Files[0]
	assert.Equal(t, types.ContentPrivateParameters, f.ContentIdentifier)
	assert.Equal(t, "EE", f.InstanceIdentifier)
	assert.Equal(t, "/V2/EE/private-params.xml", f.ContentLocation)
	assert.Equal(t, "cHJpdmF0ZQ==", f.Hash)
	assert.Equal(t, hash.SHA512, f.HashAlgorithmID)
	assert.Equal(t, "base64", f.ContentTransferEncoding)
	assert.Equal(t, expiration, f.ExpirationDate)

	assert.Equal(t, types.ContentIdentifier("FUTURE"), conf.Files[2].ContentIdentifier)
	assert.Empty(t, conf.Files[2].InstanceIdentifier)
}

// Expire-date is advisory: rewriting it does not invalidate the signature,
// so it must never gate trust.
func TestExpireDateIsOutsideSignedData(t *testing.T) {
	id := testutil.NewSigningIdentity(t, "signer")
	loc := testutil.Location("EE", "http://mirror.example/conf", id)

	body, contentType, err := Encode(expiration, sampleFiles(), signerFor(id))
	require.NoError(t, err)

	later := expiration.AddDate(5, 0, 0)
	replayed := bytes.Replace(body,
		[]byte(expiration.Format(time.RFC3339)),
		[]byte(later.Format(time.RFC3339)), 1)
	require.NotEqual(t, body, replayed)

	conf, err := Parse(loc, bytes.NewReader(replayed), contentType)
	require.NoError(t, err)
	assert.True(t, conf.ExpirationDate.Equal(later))
	assert.Equal(t, "cHJpdmF0ZQ==", conf.Files[0].Hash)
}

func TestParseFiltersContentIdentifiers(t *testing.T) {
	id := testutil.NewSigningIdentity(t, "signer")
	loc := testutil.Location("EE", "http://mirror.example/conf", id)

	body, contentType, err := Encode(expiration, sampleFiles(), signerFor(id))
	require.NoError(t, err)

	conf, err := Parse(loc, bytes.NewReader(body), contentType, types.ContentSharedParameters)
	require.NoError(t, err)
	assert.Equal(t, []types.ContentIdentifier{types.ContentSharedParameters}, conf.ContentIdentifiers())
}

func TestEachFileStopsOnError(t *testing.T) {
	conf := &Configuration{Files: sampleFiles()}

	var seen []string
	err := conf.EachFile(func(_ types.ConfigurationLocation, f types.ConfigurationFile) error {
		seen = append(seen, f.ContentLocation)
		if f.ContentIdentifier == types.ContentSharedParameters {
			return conferr.Malformed("stop")
		}
		return nil
	})
	assert.ErrorIs(t, err, conferr.ErrMalformedInput)
	assert.Equal(t, []string{"/V2/EE/private-params.xml", "/V2/EE/shared-params.xml"}, seen)
}

func TestParseRejectsUntrustedSigner(t *testing.T) {
	pinned := testutil.NewSigningIdentity(t, "pinned")
	other := testutil.NewSigningIdentity(t, "other")
	loc := testutil.Location("EE", "http://mirror.example/conf", pinned)

	body, contentType, err := Encode(expiration, sampleFiles(), signerFor(other))
	require.NoError(t, err)

	_, err = Parse(loc, bytes.NewReader(body), contentType)
	assert.ErrorIs(t, err, conferr.ErrTrust)
}

func TestParseRejectsTamperedSignedData(t *testing.T) {
	id := testutil.NewSigningIdentity(t, "signer")
	loc := testutil.Location("EE", "http://mirror.example/conf", id)

	body, contentType, err := Encode(expiration, sampleFiles(), signerFor(id))
	require.NoError(t, err)

	tampered := bytes.Replace(body, []byte("c2hhcmVk"), []byte("c2hhcmVl"), 1)
	require.NotEqual(t, body, tampered)

	_, err = Parse(loc, bytes.NewReader(tampered), contentType)
	assert.ErrorIs(t, err, conferr.ErrTrust)
}

func TestParseRejectsMalformedEnvelopes(t *testing.T) {
	id := testutil.NewSigningIdentity(t, "signer")
	loc := testutil.Location("EE", "http://mirror.example/conf", id)

	body, contentType, err := Encode(expiration, sampleFiles(), signerFor(id))
	require.NoError(t, err)

	tests := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{"Missing content type", body, ""},
		{"Wrong media type", body, "text/plain"},
		{"Missing boundary", body, "multipart/related"},
		{"Empty body", nil, contentType},
		{"Missing signature header", bytes.Replace(body, []byte("Signature-Algorithm-Id"), []byte("X-Other"), 1), contentType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(loc, bytes.NewReader(tt.body), tt.contentType)
			assert.ErrorIs(t, err, conferr.ErrMalformedInput)
		})
	}
}

func TestParseRejectsFileWithoutRequiredField(t *testing.T) {
	id := testutil.NewSigningIdentity(t, "signer")
	loc := testutil.Location("EE", "http://mirror.example/conf", id)

	files := sampleFiles()[:1]
	files[0].HashAlgorithmID = ""

	body, contentType, err := Encode(expiration, files, signerFor(id))
	require.NoError(t, err)

	_, err = Parse(loc, bytes.NewReader(body), contentType)
	require.ErrorIs(t, err, conferr.ErrMalformedInput)
	assert.True(t, strings.Contains(err.Error(), HeaderHashAlgorithmID))
}
