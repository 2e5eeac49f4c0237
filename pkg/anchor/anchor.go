// Package anchor reads configuration anchors: the offline-distributed
// documents naming the instance identifier, mirror locations and pinned
// verification certificates that seed every later trust decision.
//
// Two historical variants are readable. Version 1 documents carry no
// version attribute; version 2 documents declare version="2". Download URLs
// are tagged with the configuration protocol version they are read for.
package anchor

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"globalconf/pkg/conferr"
	"globalconf/pkg/types"
)

// Protocol versions.
const (
	Version1 = 1
	Version2 = 2

	// CurrentVersion is the protocol version used for downloads.
	CurrentVersion = Version2
)

// Document is the XML layout of an anchor. It is also embedded, one per
// federated instance, in private parameters.
type Document struct {
	XMLName            xml.Name         `xml:"configurationAnchor"`
	Version            string           `xml:"version,attr,omitempty"`
	GeneratedAt        string           `xml:"generatedAt"`
	InstanceIdentifier string           `xml:"instanceIdentifier"`
	Sources            []SourceDocument `xml:"source"`
}

// SourceDocument is one mirror inside an anchor.
type SourceDocument struct {
	DownloadURL       string   `xml:"downloadURL"`
	VerificationCerts []string `xml:"verificationCert"`
}

// Anchor is a decoded anchor.
type Anchor struct {
	Version            int
	InstanceIdentifier string
	GeneratedAt        time.Time
	Locations          []types.ConfigurationLocation
}

// Load reads the anchor at path, choosing the reader from the declared
// version.
func Load(path string) (*Anchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read anchor: %w", err)
	}
	return Parse(data)
}

// LoadV1 reads the anchor at path for protocol version 1.
func LoadV1(path string) (*Anchor, error) {
	return loadVersion(path, Version1)
}

// LoadV2 reads the anchor at path for protocol version 2.
func LoadV2(path string) (*Anchor, error) {
	return loadVersion(path, Version2)
}

func loadVersion(path string, version int) (*Anchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read anchor: %w", err)
	}
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}
	return doc.Anchor(version)
}

// Parse decodes an anchor, reading it for the version it declares.
// Documents without a version attribute are version 1.
func Parse(data []byte) (*Anchor, error) {
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}
	version, err := doc.DeclaredVersion()
	if err != nil {
		return nil, err
	}
	return doc.Anchor(version)
}

func decode(data []byte) (*Document, error) {
	var doc Document
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, conferr.Malformed("failed to parse anchor: %w", err)
	}
	return &doc, nil
}

// DeclaredVersion returns the version attribute, defaulting to 1.
func (d *Document) DeclaredVersion() (int, error) {
	if strings.TrimSpace(d.Version) == "" {
		return Version1, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(d.Version))
	if err != nil || (v != Version1 && v != Version2) {
		return 0, conferr.Malformed("unsupported anchor version %q", d.Version)
	}
	return v, nil
}

// Anchor converts the document, tagging download URLs with version.
func (d *Document) Anchor(version int) (*Anchor, error) {
	source, err := d.Source(version)
	if err != nil {
		return nil, err
	}

	a := &Anchor{
		Version:            version,
		InstanceIdentifier: source.InstanceIdentifier,
		Locations:          source.Locations,
	}
	if ts := strings.TrimSpace(d.GeneratedAt); ts != "" {
		generated, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, conferr.Malformed("invalid generatedAt %q: %w", ts, err)
		}
		a.GeneratedAt = generated.UTC()
	}
	return a, nil
}

// Source converts the document into a configuration source.
func (d *Document) Source(version int) (types.ConfigurationSource, error) {
	instance := strings.TrimSpace(d.InstanceIdentifier)
	if instance == "" {
		return types.ConfigurationSource{}, conferr.Malformed("anchor has no instance identifier")
	}
	if len(d.Sources) == 0 {
		return types.ConfigurationSource{}, conferr.Malformed("anchor for %s has no sources", instance)
	}

	source := types.ConfigurationSource{InstanceIdentifier: instance}
	for _, s := range d.Sources {
		downloadURL, err := withVersion(strings.TrimSpace(s.DownloadURL), version)
		if err != nil {
			return types.ConfigurationSource{}, err
		}

		loc := types.ConfigurationLocation{
			SourceInstance: instance,
			DownloadURL:    downloadURL,
		}
		for _, encoded := range s.VerificationCerts {
			der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
			if err != nil {
				return types.ConfigurationSource{}, conferr.Malformed("invalid verification certificate for %s: %w", downloadURL, err)
			}
			loc.VerificationCerts = append(loc.VerificationCerts, der)
		}
		if len(loc.VerificationCerts) == 0 {
			return types.ConfigurationSource{}, conferr.Malformed("source %s has no verification certificates", downloadURL)
		}
		source.Locations = append(source.Locations, loc)
	}
	return source, nil
}

func withVersion(raw string, version int) (string, error) {
	if raw == "" {
		return "", conferr.Malformed("anchor source has no download URL")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", conferr.Malformed("invalid download URL %q", raw)
	}
	q := u.Query()
	q.Set("version", strconv.Itoa(version))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Source returns the configuration source described by the anchor.
func (a *Anchor) Source() types.ConfigurationSource {
	s := types.ConfigurationSource{InstanceIdentifier: a.InstanceIdentifier}
	for _, l := range a.Locations {
		s.Locations = append(s.Locations, l.Clone())
	}
	return s
}

// Equal reports whether two anchors describe the same trust configuration.
func (a *Anchor) Equal(b *Anchor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Version != b.Version || a.InstanceIdentifier != b.InstanceIdentifier ||
		!a.GeneratedAt.Equal(b.GeneratedAt) || len(a.Locations) != len(b.Locations) {
		return false
	}
	for i := range a.Locations {
		la, lb := a.Locations[i], b.Locations[i]
		if la.DownloadURL != lb.DownloadURL || len(la.VerificationCerts) != len(lb.VerificationCerts) {
			return false
		}
		for j := range la.VerificationCerts {
			if !bytes.Equal(la.VerificationCerts[j], lb.VerificationCerts[j]) {
				return false
			}
		}
	}
	return true
}

// NewDocument builds the document describing source. Download URLs are
// written as-is.
func NewDocument(source types.ConfigurationSource, version int, generatedAt time.Time) Document {
	doc := Document{
		GeneratedAt:        generatedAt.UTC().Format(time.RFC3339),
		InstanceIdentifier: source.InstanceIdentifier,
	}
	if version != Version1 {
		doc.Version = strconv.Itoa(version)
	}
	for _, l := range source.Locations {
		sd := SourceDocument{DownloadURL: l.DownloadURL}
		for _, der := range l.VerificationCerts {
			sd.VerificationCerts = append(sd.VerificationCerts, base64.StdEncoding.EncodeToString(der))
		}
		doc.Sources = append(doc.Sources, sd)
	}
	return doc
}

// Encode renders the anchor document for source.
func Encode(source types.ConfigurationSource, version int, generatedAt time.Time) ([]byte, error) {
	data, err := xml.MarshalIndent(NewDocument(source, version, generatedAt), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode anchor: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}
