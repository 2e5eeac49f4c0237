package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"globalconf/pkg/conferr"
	"globalconf/pkg/testutil"
	"globalconf/pkg/types"
)

const sharedXML = `<?xml version="1.0" encoding="UTF-8"?>
<tns:conf xmlns:tns="http://x-road.eu/xsd/xroad.xsd">
  <instanceIdentifier>EE</instanceIdentifier>
  <member id="m1">
    <memberClass>COM</memberClass>
    <memberCode>1234</memberCode>
    <name>Producer</name>
    <subsystem id="m1s1"><subsystemCode>sub</subsystemCode></subsystem>
  </member>
  <member id="m2">
    <memberClass>GOV</memberClass>
    <memberCode>5678</memberCode>
    <name>Consumer</name>
  </member>
  <securityServer>
    <owner>m1</owner>
    <serverCode>ss1</serverCode>
    <address>127.0.0.1</address>
    <authCertHash>aGFzaA==</authCertHash>
    <client>m1s1</client>
    <client>m2</client>
  </securityServer>
  <globalGroup>
    <groupCode>Group1</groupCode>
    <description>Description</description>
    <groupMember>m2</groupMember>
  </globalGroup>
  <centralService>
    <serviceCode>central1</serviceCode>
    <implementingService>
      <memberClass>COM</memberClass>
      <memberCode>1234</memberCode>
      <subsystemCode>sub</subsystemCode>
      <serviceCode>getData</serviceCode>
    </implementingService>
  </centralService>
  <globalSettings>
    <memberClass><code>COM</code><description>Commercial</description></memberClass>
    <ocspFreshnessSeconds>600</ocspFreshnessSeconds>
  </globalSettings>
</tns:conf>`

func TestDecodeSharedParameters(t *testing.T) {
	p, err := DecodeSharedParameters([]byte(sharedXML))
	require.NoError(t, err)

	assert.Equal(t, "EE", p.InstanceIdentifier())
	assert.Equal(t, 600, p.GlobalSettings.OcspFreshnessSeconds)
	require.Len(t, p.SecurityServers, 1)
	assert.Equal(t, "127.0.0.1", p.SecurityServers[0].Address)

	assert.Equal(t, []ClientID{
		{Instance: "EE", MemberClass: "COM", MemberCode: "1234"},
		{Instance: "EE", MemberClass: "COM", MemberCode: "1234", SubsystemCode: "sub"},
		{Instance: "EE", MemberClass: "GOV", MemberCode: "5678"},
	}, p.MemberIDs())

	sub, ok := p.Resolve("m1s1")
	require.True(t, ok)
	assert.Equal(t, "EE/COM/1234/sub", sub.String())
	assert.True(t, sub.IsSubsystem())
	assert.Equal(t, "EE/COM/1234", sub.Member().String())

	name, ok := p.MemberName(sub)
	assert.True(t, ok)
	assert.Equal(t, "Producer", name)
}

func TestDecodeSharedParametersRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		xml  string
	}{
		{"Not XML", "{}"},
		{"Wrong root", `<other><instanceIdentifier>EE</instanceIdentifier></other>`},
		{"No instance", `<conf></conf>`},
		{"Unknown owner", `<conf><instanceIdentifier>EE</instanceIdentifier><securityServer><owner>x</owner></securityServer></conf>`},
		{"Unknown client", `<conf><instanceIdentifier>EE</instanceIdentifier><member id="m1"><memberClass>A</memberClass><memberCode>B</memberCode></member><securityServer><owner>m1</owner><client>x</client></securityServer></conf>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSharedParameters([]byte(tt.xml))
			assert.ErrorIs(t, err, conferr.ErrMalformedInput)
		})
	}
}

func TestSharedParametersEncode(t *testing.T) {
	p, err := DecodeSharedParameters([]byte(sharedXML))
	require.NoError(t, err)

	data, err := p.Encode()
	require.NoError(t, err)

	again, err := DecodeSharedParameters(data)
	require.NoError(t, err)
	assert.Equal(t, p.MemberIDs(), again.MemberIDs())
	assert.Equal(t, p.SecurityServers, again.SecurityServers)
}

func TestPrivateParametersSources(t *testing.T) {
	c1 := testutil.NewSigningIdentity(t, "fi")
	c2 := testutil.NewSigningIdentity(t, "lv")
	declared := []types.ConfigurationSource{
		{InstanceIdentifier: "FI", Locations: []types.ConfigurationLocation{
			testutil.Location("FI", "http://fi.example/conf", c1),
		}},
		{InstanceIdentifier: "LV", Locations: []types.ConfigurationLocation{
			testutil.Location("LV", "http://lv1.example/conf", c2),
			testutil.Location("LV", "http://lv2.example/conf", c2),
		}},
	}

	data, err := EncodePrivateParameters("EE", declared, time.Now())
	require.NoError(t, err)

	p, err := DecodePrivateParameters(data)
	require.NoError(t, err)
	assert.Equal(t, "EE", p.InstanceIdentifier())
	assert.Equal(t, 60, p.TimeStampingIntervalSeconds)

	sources := p.Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, "FI", sources[0].InstanceIdentifier)
	assert.Equal(t, "http://fi.example/conf?version=2", sources[0].Locations[0].DownloadURL)
	assert.Equal(t, "LV", sources[1].Locations[1].SourceInstance)
	assert.Equal(t, c2.DER(), sources[1].Locations[1].VerificationCerts[0])

	sources[0].InstanceIdentifier = "changed"
	assert.Equal(t, "FI", p.Sources()[0].InstanceIdentifier)
}

func TestPrivateParametersWithoutSources(t *testing.T) {
	p, err := DecodePrivateParameters([]byte(`<conf><instanceIdentifier>EE</instanceIdentifier></conf>`))
	require.NoError(t, err)
	assert.Empty(t, p.Sources())
}

func TestPrivateParametersRejectInvalidAnchor(t *testing.T) {
	_, err := DecodePrivateParameters([]byte(`<conf><instanceIdentifier>EE</instanceIdentifier><configurationAnchor><instanceIdentifier>FI</instanceIdentifier></configurationAnchor></conf>`))
	assert.ErrorIs(t, err, conferr.ErrMalformedInput)
}

func TestParseClientID(t *testing.T) {
	id, err := ParseClientID("EE/COM/1234/sub")
	require.NoError(t, err)
	assert.Equal(t, ClientID{Instance: "EE", MemberClass: "COM", MemberCode: "1234", SubsystemCode: "sub"}, id)

	for _, bad := range []string{"", "EE", "EE/COM", "EE//1234", "a/b/c/d/e"} {
		_, err := ParseClientID(bad)
		assert.Error(t, err, bad)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []types.ContentIdentifier{types.ContentPrivateParameters, types.ContentSharedParameters}, r.ContentIdentifiers())

	p, handled, err := r.Decode(types.ContentSharedParameters, []byte(sharedXML))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "EE", p.InstanceIdentifier())
	_, declares := p.(SourceDeclarer)
	assert.False(t, declares)

	p, handled, err = r.Decode(types.ContentPrivateParameters, []byte(`<conf><instanceIdentifier>EE</instanceIdentifier></conf>`))
	require.NoError(t, err)
	assert.True(t, handled)
	_, declares = p.(SourceDeclarer)
	assert.True(t, declares)

	p, handled, err = r.Decode("FUTURE-PARAMETERS", []byte("anything"))
	assert.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, p)
}
