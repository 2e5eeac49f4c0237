// Package parser decodes the signed multipart envelope served by a
// configuration mirror into its typed parts.
//
// The envelope is a multipart/related body of two parts. The first carries
// the signed data: a multipart/mixed document listing every content file by
// identifier, location and declared hash. The second carries the signature
// over the exact bytes of the first part's body. Nothing inside the signed
// data is decoded until the signature has been verified against the
// certificates pinned for the location.
package parser

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"globalconf/pkg/conferr"
	"globalconf/pkg/signature"
	"globalconf/pkg/types"
	"globalconf/pkg/utils"
)

// Envelope and content part headers.
const (
	HeaderExpireDate              = "Expire-date"
	HeaderContentIdentifier       = "Content-identifier"
	HeaderContentLocation         = "Content-location"
	HeaderHashAlgorithmID         = "Hash-algorithm-id"
	HeaderContentTransferEncoding = "Content-transfer-encoding"
	ParamInstance                 = "instance"

	MediaTypeEnvelope   = "multipart/related"
	MediaTypeSignedData = "multipart/mixed"
)

// Configuration is the verified content listing of one envelope.
type Configuration struct {
	Location       types.ConfigurationLocation
	ExpirationDate time.Time
	Files          []types.ConfigurationFile
}

// EachFile calls fn for every file in envelope order, stopping at the first
// error.
func (c *Configuration) EachFile(fn func(types.ConfigurationLocation, types.ConfigurationFile) error) error {
	for _, f := range c.Files {
		if err := fn(c.Location, f); err != nil {
			return err
		}
	}
	return nil
}

// ContentIdentifiers lists the identifiers of the parsed files, in order.
func (c *Configuration) ContentIdentifiers() []types.ContentIdentifier {
	ids := make([]types.ContentIdentifier, 0, len(c.Files))
	for _, f := range c.Files {
		ids = append(ids, f.ContentIdentifier)
	}
	return ids
}

// Parse verifies and decodes an envelope downloaded from location. Only files
// whose identifier is in contentIdentifiers are returned; none means all.
func Parse(location types.ConfigurationLocation, body io.Reader, contentType string, contentIdentifiers ...types.ContentIdentifier) (*Configuration, error) {
	boundary, err := boundaryOf(contentType, MediaTypeEnvelope)
	if err != nil {
		return nil, err
	}

	mr := multipart.NewReader(body, boundary)

	signedHeader, signedData, err := readPart(mr, "signed data")
	if err != nil {
		return nil, err
	}
	sigHeader, sigValue, err := readPart(mr, "signature")
	if err != nil {
		return nil, err
	}

	sig, err := signature.ParseHeaders(sigHeader)
	if err != nil {
		return nil, err
	}
	if err := signature.Verify(sig, signedData, sigValue, location); err != nil {
		return nil, err
	}

	// Expire-date and the inner boundary are headers of the signed part, not
	// part of the signed bytes. A replayed envelope can carry any expiration,
	// so the date only drives staleness reporting and never a trust decision.
	conf := &Configuration{Location: location}
	conf.ExpirationDate, err = parseExpireDate(signedHeader.Get(HeaderExpireDate))
	if err != nil {
		return nil, err
	}

	innerBoundary, err := boundaryOf(signedHeader.Get("Content-Type"), MediaTypeSignedData)
	if err != nil {
		return nil, err
	}

	wanted := make(map[types.ContentIdentifier]bool, len(contentIdentifiers))
	for _, id := range contentIdentifiers {
		wanted[id] = true
	}

	inner := multipart.NewReader(bytes.NewReader(signedData), innerBoundary)
	for {
		part, err := inner.NextRawPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, conferr.Malformed("failed to read content part: %w", err)
		}
		file, err := parseFile(textproto.MIMEHeader(part.Header), part, conf.ExpirationDate)
		part.Close()
		if err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[file.ContentIdentifier] {
			continue
		}
		conf.Files = append(conf.Files, file)
	}
	return conf, nil
}

func boundaryOf(contentType, expected string) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		return "", conferr.Malformed("missing content type, expected %s", expected)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", conferr.Malformed("invalid content type %q: %w", contentType, err)
	}
	if mediaType != expected {
		return "", conferr.Malformed("unexpected content type %s, expected %s", mediaType, expected)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", conferr.Malformed("content type %s has no boundary", mediaType)
	}
	return boundary, nil
}

func readPart(mr *multipart.Reader, name string) (textproto.MIMEHeader, []byte, error) {
	part, err := mr.NextRawPart()
	if errors.Is(err, io.EOF) {
		return nil, nil, conferr.Malformed("envelope has no %s part", name)
	}
	if err != nil {
		return nil, nil, conferr.Malformed("failed to read %s part: %w", name, err)
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		return nil, nil, conferr.Malformed("failed to read %s part: %w", name, err)
	}
	return textproto.MIMEHeader(part.Header), data, nil
}

func parseExpireDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, conferr.Malformed("signed data is missing field %s", HeaderExpireDate)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, conferr.Malformed("invalid %s %q: %w", HeaderExpireDate, value, err)
	}
	return t.UTC(), nil
}

func parseFile(header textproto.MIMEHeader, body io.Reader, expiration time.Time) (types.ConfigurationFile, error) {
	required := func(name string) (string, error) {
		v := strings.TrimSpace(header.Get(name))
		if v == "" {
			return "", conferr.Malformed("content part is missing field %s", name)
		}
		return v, nil
	}

	rawID, err := required(HeaderContentIdentifier)
	if err != nil {
		return types.ConfigurationFile{}, err
	}
	location, err := required(HeaderContentLocation)
	if err != nil {
		return types.ConfigurationFile{}, err
	}
	algoID, err := required(HeaderHashAlgorithmID)
	if err != nil {
		return types.ConfigurationFile{}, err
	}
	encoding, err := required(HeaderContentTransferEncoding)
	if err != nil {
		return types.ConfigurationFile{}, err
	}
	if !strings.EqualFold(encoding, signature.EncodingBase64) {
		return types.ConfigurationFile{}, conferr.Malformed("unsupported transfer encoding %q for %s", encoding, location)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return types.ConfigurationFile{}, conferr.Malformed("failed to read hash of %s: %w", location, err)
	}
	declared := strings.Join(strings.Fields(string(raw)), "")
	if declared == "" {
		return types.ConfigurationFile{}, conferr.Malformed("content part %s has no hash", location)
	}

	id, params := utils.ParseHeaderValue(rawID)
	return types.ConfigurationFile{
		ContentIdentifier:       types.ParseContentIdentifier(id),
		InstanceIdentifier:      strings.TrimSpace(params[ParamInstance]),
		ContentLocation:         location,
		Hash:                    declared,
		HashAlgorithmID:         algoID,
		ContentTransferEncoding: strings.ToLower(encoding),
		ExpirationDate:          expiration,
	}, nil
}
