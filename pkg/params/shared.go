package params

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"globalconf/pkg/conferr"
)

// SharedParameters is the part of a global configuration shared with
// federated instances: the member directory, security servers and the
// approved certification and time-stamping services.
type SharedParameters struct {
	XMLName         xml.Name         `xml:"conf"`
	Instance        string           `xml:"instanceIdentifier"`
	ApprovedCAs     []ApprovedCA     `xml:"approvedCA"`
	ApprovedTSAs    []ApprovedTSA    `xml:"approvedTSA"`
	Members         []Member         `xml:"member"`
	SecurityServers []SecurityServer `xml:"securityServer"`
	GlobalGroups    []GlobalGroup    `xml:"globalGroup"`
	CentralServices []CentralService `xml:"centralService"`
	GlobalSettings  GlobalSettings   `xml:"globalSettings"`

	clients map[string]ClientID
}

// ApprovedCA is a certification service trusted for member certificates.
type ApprovedCA struct {
	Name               string `xml:"name"`
	AuthenticationOnly bool   `xml:"authenticationOnly"`
	TopCA              CA     `xml:"topCA"`
	IntermediateCAs    []CA   `xml:"intermediateCA"`
}

// CA is one certificate authority with its OCSP responders.
type CA struct {
	Cert string          `xml:"cert"`
	OCSP []OcspResponder `xml:"ocsp"`
}

// OcspResponder is the address and, optionally, the signing certificate of
// an OCSP service.
type OcspResponder struct {
	URL  string `xml:"url"`
	Cert string `xml:"cert"`
}

// ApprovedTSA is a trusted time-stamping service.
type ApprovedTSA struct {
	Name string `xml:"name"`
	URL  string `xml:"url"`
	Cert string `xml:"cert"`
}

// Member is an organization registered in the instance.
type Member struct {
	ID          string      `xml:"id,attr"`
	MemberClass string      `xml:"memberClass"`
	MemberCode  string      `xml:"memberCode"`
	Name        string      `xml:"name"`
	Subsystems  []Subsystem `xml:"subsystem"`
}

// Subsystem of a member.
type Subsystem struct {
	ID            string `xml:"id,attr"`
	SubsystemCode string `xml:"subsystemCode"`
}

// SecurityServer is a registered server. Owner and Clients reference member
// or subsystem ids.
type SecurityServer struct {
	Owner          string   `xml:"owner"`
	ServerCode     string   `xml:"serverCode"`
	Address        string   `xml:"address"`
	AuthCertHashes []string `xml:"authCertHash"`
	Clients        []string `xml:"client"`
}

// GlobalGroup is a named set of clients.
type GlobalGroup struct {
	GroupCode   string   `xml:"groupCode"`
	Description string   `xml:"description"`
	Members     []string `xml:"groupMember"`
}

// CentralService maps a service code to the service implementing it.
type CentralService struct {
	ServiceCode         string            `xml:"serviceCode"`
	ImplementingService *ServiceReference `xml:"implementingService"`
}

// ServiceReference identifies a service of a client.
type ServiceReference struct {
	MemberClass   string `xml:"memberClass"`
	MemberCode    string `xml:"memberCode"`
	SubsystemCode string `xml:"subsystemCode"`
	ServiceCode   string `xml:"serviceCode"`
}

// GlobalSettings apply to every member of the instance.
type GlobalSettings struct {
	MemberClasses        []MemberClass `xml:"memberClass"`
	OcspFreshnessSeconds int           `xml:"ocspFreshnessSeconds"`
}

// MemberClass is a registered member class.
type MemberClass struct {
	Code        string `xml:"code"`
	Description string `xml:"description"`
}

// ClientID identifies a member or one of its subsystems.
type ClientID struct {
	Instance      string
	MemberClass   string
	MemberCode    string
	SubsystemCode string
}

// Member returns the identifier of the owning member.
func (c ClientID) Member() ClientID {
	return ClientID{Instance: c.Instance, MemberClass: c.MemberClass, MemberCode: c.MemberCode}
}

// IsSubsystem reports whether c names a subsystem.
func (c ClientID) IsSubsystem() bool {
	return c.SubsystemCode != ""
}

func (c ClientID) String() string {
	s := c.Instance + "/" + c.MemberClass + "/" + c.MemberCode
	if c.SubsystemCode != "" {
		s += "/" + c.SubsystemCode
	}
	return s
}

// ParseClientID parses the INSTANCE/CLASS/CODE[/SUBSYSTEM] form.
func ParseClientID(s string) (ClientID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 && len(parts) != 4 {
		return ClientID{}, fmt.Errorf("invalid client identifier %q", s)
	}
	for _, p := range parts {
		if p == "" {
			return ClientID{}, fmt.Errorf("invalid client identifier %q", s)
		}
	}
	id := ClientID{Instance: parts[0], MemberClass: parts[1], MemberCode: parts[2]}
	if len(parts) == 4 {
		id.SubsystemCode = parts[3]
	}
	return id, nil
}

// DecodeSharedParameters decodes shared parameters and resolves the member
// and subsystem references used by servers and groups.
func DecodeSharedParameters(data []byte) (*SharedParameters, error) {
	var p SharedParameters
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, conferr.Malformed("failed to decode shared parameters: %w", err)
	}
	p.Instance = strings.TrimSpace(p.Instance)
	if p.Instance == "" {
		return nil, conferr.Malformed("shared parameters have no instance identifier")
	}

	p.clients = make(map[string]ClientID)
	for _, m := range p.Members {
		id := ClientID{Instance: p.Instance, MemberClass: m.MemberClass, MemberCode: m.MemberCode}
		if m.ID != "" {
			p.clients[m.ID] = id
		}
		for _, s := range m.Subsystems {
			if s.ID == "" {
				continue
			}
			sub := id
			sub.SubsystemCode = s.SubsystemCode
			p.clients[s.ID] = sub
		}
	}

	for _, s := range p.SecurityServers {
		if _, ok := p.clients[s.Owner]; !ok {
			return nil, conferr.Malformed("security server %s references unknown owner %q", s.ServerCode, s.Owner)
		}
		for _, c := range s.Clients {
			if _, ok := p.clients[c]; !ok {
				return nil, conferr.Malformed("security server %s references unknown client %q", s.ServerCode, c)
			}
		}
	}
	return &p, nil
}

// InstanceIdentifier returns the instance the parameters belong to.
func (p *SharedParameters) InstanceIdentifier() string {
	return p.Instance
}

// Resolve returns the client identifier behind a member or subsystem id.
func (p *SharedParameters) Resolve(ref string) (ClientID, bool) {
	id, ok := p.clients[ref]
	return id, ok
}

// MemberIDs lists every member and subsystem, in document order.
func (p *SharedParameters) MemberIDs() []ClientID {
	var ids []ClientID
	for _, m := range p.Members {
		id := ClientID{Instance: p.Instance, MemberClass: m.MemberClass, MemberCode: m.MemberCode}
		ids = append(ids, id)
		for _, s := range m.Subsystems {
			sub := id
			sub.SubsystemCode = s.SubsystemCode
			ids = append(ids, sub)
		}
	}
	return ids
}

// MemberName returns the registered name of the member owning id.
func (p *SharedParameters) MemberName(id ClientID) (string, bool) {
	for _, m := range p.Members {
		if m.MemberClass == id.MemberClass && m.MemberCode == id.MemberCode {
			return m.Name, true
		}
	}
	return "", false
}

// DecodeCert decodes a base64 DER certificate from a parameters document.
func DecodeCert(encoded string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(compact(encoded))
	if err != nil {
		return nil, conferr.Malformed("invalid certificate encoding: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, conferr.Malformed("invalid certificate: %w", err)
	}
	return cert, nil
}

// Encode renders the parameters as a document.
func (p *SharedParameters) Encode() ([]byte, error) {
	return marshal(p)
}
