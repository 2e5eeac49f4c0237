package params

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"globalconf/pkg/anchor"
	"globalconf/pkg/conferr"
	"globalconf/pkg/types"
)

// PrivateParameters is the instance-private part of a global configuration.
// Embedded anchors declare the sources of federated instances.
type PrivateParameters struct {
	XMLName                     xml.Name          `xml:"conf"`
	Instance                    string            `xml:"instanceIdentifier"`
	ConfigurationAnchors        []anchor.Document `xml:"configurationAnchor"`
	ManagementService           ManagementService `xml:"managementService"`
	TimeStampingIntervalSeconds int               `xml:"timeStampingIntervalSeconds"`

	sources []types.ConfigurationSource
}

// ManagementService describes where security servers send management
// requests.
type ManagementService struct {
	AuthCertRegServiceAddress string `xml:"authCertRegServiceAddress"`
	AuthCertRegServiceCert    string `xml:"authCertRegServiceCert"`
	ProviderID                string `xml:"managementRequestServiceProviderId"`
}

// DecodePrivateParameters decodes and validates private parameters.
func DecodePrivateParameters(data []byte) (*PrivateParameters, error) {
	var p PrivateParameters
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, conferr.Malformed("failed to decode private parameters: %w", err)
	}
	p.Instance = strings.TrimSpace(p.Instance)
	if p.Instance == "" {
		return nil, conferr.Malformed("private parameters have no instance identifier")
	}

	for i := range p.ConfigurationAnchors {
		source, err := p.ConfigurationAnchors[i].Source(anchor.CurrentVersion)
		if err != nil {
			return nil, conferr.Malformed("private parameters of %s declare an invalid source: %w", p.Instance, err)
		}
		p.sources = append(p.sources, source)
	}
	return &p, nil
}

// InstanceIdentifier returns the instance the parameters belong to.
func (p *PrivateParameters) InstanceIdentifier() string {
	return p.Instance
}

// Sources returns copies of the federated sources declared by the parameters.
func (p *PrivateParameters) Sources() []types.ConfigurationSource {
	out := make([]types.ConfigurationSource, 0, len(p.sources))
	for _, s := range p.sources {
		out = append(out, s.Clone())
	}
	return out
}

// Certificate returns the DER certificate of the registration
// service, if one is configured.
func (m ManagementService) Certificate() ([]byte, error) {
	if strings.TrimSpace(m.AuthCertRegServiceCert) == "" {
		return nil, nil
	}
	der, err := base64.StdEncoding.DecodeString(compact(m.AuthCertRegServiceCert))
	if err != nil {
		return nil, conferr.Malformed("invalid management service certificate: %w", err)
	}
	return der, nil
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// EncodePrivateParameters renders private parameters declaring sources.
func EncodePrivateParameters(instance string, sources []types.ConfigurationSource, generatedAt time.Time) ([]byte, error) {
	p := PrivateParameters{Instance: instance, TimeStampingIntervalSeconds: 60}
	for _, s := range sources {
		p.ConfigurationAnchors = append(p.ConfigurationAnchors, anchor.NewDocument(s, anchor.CurrentVersion, generatedAt))
	}
	return marshal(p)
}

func marshal(v any) ([]byte, error) {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}
