package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ContentIdentifier names the kind of payload a configuration part carries.
type ContentIdentifier string

const (
	ContentPrivateParameters ContentIdentifier = "PRIVATE-PARAMETERS"
	ContentSharedParameters  ContentIdentifier = "SHARED-PARAMETERS"
)

// ParseContentIdentifier normalizes a header value. Unknown identifiers are
// kept verbatim so newer parts survive parsing.
func ParseContentIdentifier(value string) ContentIdentifier {
	return ContentIdentifier(strings.ToUpper(strings.TrimSpace(value)))
}

// ConfigurationSource is a named set of mirror locations serving one
// logical configuration.
type ConfigurationSource struct {
	InstanceIdentifier string
	Locations          []ConfigurationLocation
}

// Key identifies a source by instance and mirror URLs, in order.
func (s ConfigurationSource) Key() string {
	urls := make([]string, 0, len(s.Locations))
	for _, l := range s.Locations {
		urls = append(urls, l.DownloadURL)
	}
	return s.InstanceIdentifier + "|" + strings.Join(urls, ",")
}

// Clone returns a deep copy of the source.
func (s ConfigurationSource) Clone() ConfigurationSource {
	out := ConfigurationSource{InstanceIdentifier: s.InstanceIdentifier}
	for _, l := range s.Locations {
		out.Locations = append(out.Locations, l.Clone())
	}
	return out
}

// ConfigurationLocation is one downloadable mirror of a source together with
// the DER encoded certificates pinned for verifying its signatures.
type ConfigurationLocation struct {
	// SourceInstance is the instance identifier of the owning source.
	SourceInstance    string
	DownloadURL       string
	VerificationCerts [][]byte
}

// Clone returns a deep copy of the location.
func (l ConfigurationLocation) Clone() ConfigurationLocation {
	out := ConfigurationLocation{
		SourceInstance: l.SourceInstance,
		DownloadURL:    l.DownloadURL,
	}
	for _, c := range l.VerificationCerts {
		out.VerificationCerts = append(out.VerificationCerts, append([]byte(nil), c...))
	}
	return out
}

// Resolve resolves a relative content location against the download URL.
func (l ConfigurationLocation) Resolve(contentLocation string) (*url.URL, error) {
	base, err := url.Parse(l.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("invalid download URL %q: %w", l.DownloadURL, err)
	}
	ref, err := url.Parse(contentLocation)
	if err != nil {
		return nil, fmt.Errorf("invalid content location %q: %w", contentLocation, err)
	}
	return base.ResolveReference(ref), nil
}

func (l ConfigurationLocation) String() string {
	return l.DownloadURL
}

// ConfigurationFile is one typed, hashed part of a downloaded configuration.
type ConfigurationFile struct {
	ContentIdentifier ContentIdentifier
	// InstanceIdentifier is optional; empty means the part does not declare one.
	InstanceIdentifier      string
	ContentLocation         string
	Hash                    string
	HashAlgorithmID         string
	ContentTransferEncoding string
	ExpirationDate          time.Time
}

// Metadata returns the persisted metadata describing this part.
func (f ConfigurationFile) Metadata() PartMetadata {
	return PartMetadata{
		ContentIdentifier:  f.ContentIdentifier,
		InstanceIdentifier: f.InstanceIdentifier,
		ContentLocation:    f.ContentLocation,
		Hash:               f.Hash,
		HashAlgorithmID:    f.HashAlgorithmID,
		ExpirationDate:     f.ExpirationDate,
	}
}

func (f ConfigurationFile) String() string {
	return fmt.Sprintf("%s(%s, instance=%q)", f.ContentIdentifier, f.ContentLocation, f.InstanceIdentifier)
}

// PartMetadata is stored next to every persisted part.
type PartMetadata struct {
	ContentIdentifier  ContentIdentifier `json:"content_identifier"`
	InstanceIdentifier string            `json:"instance_identifier,omitempty"`
	ContentLocation    string            `json:"content_location"`
	Hash               string            `json:"hash"`
	HashAlgorithmID    string            `json:"hash_algorithm_id"`
	ExpirationDate     time.Time         `json:"expiration_date"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// IsExpired reports whether the part is past its advisory expiration date.
func (m PartMetadata) IsExpired(now time.Time) bool {
	return !m.ExpirationDate.IsZero() && now.After(m.ExpirationDate)
}
