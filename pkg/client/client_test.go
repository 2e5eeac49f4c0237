package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"globalconf/pkg/anchor"
	"globalconf/pkg/conferr"
	"globalconf/pkg/config"
	"globalconf/pkg/directory"
	"globalconf/pkg/globalconf"
	"globalconf/pkg/hash"
	"globalconf/pkg/health"
	"globalconf/pkg/params"
	"globalconf/pkg/parser"
	"globalconf/pkg/signature"
	"globalconf/pkg/testutil"
	"globalconf/pkg/types"
)

type part struct {
	id       types.ContentIdentifier
	location string
	data     []byte
}

// instance is one published configuration source.
type instance struct {
	t      *testing.T
	id     string
	mirror *testutil.Mirror
	signer *testutil.Identity
}

func newInstance(t *testing.T, id string) *instance {
	return &instance{
		t:      t,
		id:     id,
		mirror: testutil.NewMirror(t),
		signer: testutil.NewSigningIdentity(t, id+" signer"),
	}
}

func (in *instance) envelopePath() string {
	return "/" + in.id + "/conf"
}

func (in *instance) source() types.ConfigurationSource {
	return types.ConfigurationSource{
		InstanceIdentifier: in.id,
		Locations: []types.ConfigurationLocation{
			testutil.Location(in.id, in.mirror.URL(in.envelopePath()), in.signer),
		},
	}
}

func (in *instance) publish(parts ...part) {
	in.t.Helper()
	var files []types.ConfigurationFile
	for _, p := range parts {
		digest, err := hash.DigestBase64(p.data, hash.SHA512)
		require.NoError(in.t, err)
		files = append(files, types.ConfigurationFile{
			ContentIdentifier:  p.id,
			InstanceIdentifier: in.id,
			ContentLocation:    p.location,
			Hash:               digest,
			HashAlgorithmID:    hash.SHA512,
		})
		in.mirror.Put(p.location, p.data, "application/octet-stream")
	}
	body, contentType, err := parser.Encode(time.Now().Add(time.Hour), files, parser.Signer{
		Key:                 in.signer.Key,
		AlgorithmID:         signature.Ed25519,
		CertDER:             in.signer.DER(),
		CertHashAlgorithmID: hash.SHA256,
	})
	require.NoError(in.t, err)
	in.mirror.Put(in.envelopePath(), body, contentType)
}

func (in *instance) privatePath() string { return "/" + in.id + "/private-params.xml" }
func (in *instance) sharedPath() string  { return "/" + in.id + "/shared-params.xml" }

func (in *instance) shared() part {
	return part{
		id:       types.ContentSharedParameters,
		location: in.sharedPath(),
		data:     []byte("<conf><instanceIdentifier>" + in.id + "</instanceIdentifier></conf>"),
	}
}

func (in *instance) private(federated ...*instance) part {
	in.t.Helper()
	var sources []types.ConfigurationSource
	for _, f := range federated {
		sources = append(sources, f.source())
	}
	data, err := params.EncodePrivateParameters(in.id, sources, time.Now())
	require.NoError(in.t, err)
	return part{id: types.ContentPrivateParameters, location: in.privatePath(), data: data}
}

func newClient(t *testing.T, main *instance, opts ...Option) *Client {
	t.Helper()
	root := t.TempDir()
	anchorPath := filepath.Join(root, "anchor.xml")
	data, err := anchor.Encode(main.source(), anchor.Version2, time.Now())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(anchorPath, data, 0o644))

	cfg := config.Default()
	cfg.AnchorPath = anchorPath
	cfg.ConfigurationDir = filepath.Join(root, "conf")
	cfg.RefreshInterval = 50 * time.Millisecond
	cfg.FetchTimeout = 2 * time.Second
	cfg.SourceTimeout = 5 * time.Second

	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestRefreshDownloadsFederatedSources(t *testing.T) {
	ee := newInstance(t, "EE")
	fi := newInstance(t, "FI")
	ee.publish(ee.private(fi), ee.shared())
	fi.publish(fi.private(), fi.shared())

	monitor := health.NewMonitor(nil)
	c := newClient(t, ee, WithMonitor(monitor))

	report, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EE", report.MainInstance)
	assert.True(t, report.Main.Success())
	require.Contains(t, report.Federated, "FI")
	assert.True(t, report.Federated["FI"].Success())

	// Federated instances contribute shared parameters only.
	assert.Equal(t, 1, fi.mirror.Requests(fi.sharedPath()))
	assert.Zero(t, fi.mirror.Requests(fi.privatePath()))
	_, _, err = c.Directory().ReadPart("FI", types.ContentPrivateParameters)
	assert.ErrorIs(t, err, directory.ErrNotFound)

	snap, err := c.Store().Current()
	require.NoError(t, err)
	assert.Equal(t, []string{"EE", "FI"}, snap.InstanceIdentifiers())
	assert.Equal(t, "EE", snap.MainInstance())
	assert.Equal(t, "healthy", monitor.Status().Status)
}

func TestRefreshUsesPersistedPrivateParameters(t *testing.T) {
	ee := newInstance(t, "EE")
	fi := newInstance(t, "FI")
	ee.publish(ee.private(fi), ee.shared())
	fi.publish(fi.shared())

	c := newClient(t, ee)
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	ee.mirror.ResetRequests()
	fi.mirror.ResetRequests()

	report, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ee.mirror.Requests(ee.privatePath()), "unchanged private parameters are not fetched")
	assert.Equal(t, 1, fi.mirror.Requests(fi.envelopePath()))
	assert.True(t, report.Federated["FI"].Success())
	assert.Empty(t, report.Pruned)
}

func TestRefreshPrunesUndeclaredInstances(t *testing.T) {
	ee := newInstance(t, "EE")
	fi := newInstance(t, "FI")
	ee.publish(ee.private(fi), ee.shared())
	fi.publish(fi.shared())

	c := newClient(t, ee)
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	ee.publish(ee.private(), ee.shared())
	report, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"FI"}, report.Pruned)
	assert.Empty(t, report.Federated)

	ids, err := c.Directory().InstanceIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, []string{"EE"}, ids)
	assert.Equal(t, []string{"EE"}, report.Snapshot.InstanceIdentifiers())
}

func TestRefreshFailureKeepsServing(t *testing.T) {
	ee := newInstance(t, "EE")
	fi := newInstance(t, "FI")
	ee.publish(ee.private(fi), ee.shared())
	fi.publish(fi.shared())

	monitor := health.NewMonitor(nil)
	c := newClient(t, ee, WithMonitor(monitor))
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	ee.mirror.Put(ee.envelopePath(), []byte("not an envelope"), "text/plain")
	fi.mirror.ResetRequests()

	report, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, conferr.ErrMalformedInput)
	assert.False(t, report.Main.Success())

	// The federation is still known from the persisted private parameters.
	assert.Equal(t, 1, fi.mirror.Requests(fi.envelopePath()))
	assert.True(t, report.Federated["FI"].Success())

	snap, err := c.Store().Current()
	require.NoError(t, err)
	assert.Equal(t, []string{"EE", "FI"}, snap.InstanceIdentifiers())
	assert.Equal(t, "degraded", monitor.Status().Status)
}

func TestRefreshFederatedFailureReported(t *testing.T) {
	ee := newInstance(t, "EE")
	fi := newInstance(t, "FI")
	ee.publish(ee.private(fi), ee.shared())

	c := newClient(t, ee)
	report, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, conferr.ErrNetwork)
	assert.True(t, report.Main.Success())
	assert.False(t, report.Federated["FI"].Success())

	snap, err := c.Store().Current()
	require.NoError(t, err)
	assert.Equal(t, []string{"EE"}, snap.InstanceIdentifiers())
}

func TestRefreshMergesSourcesOfSameInstance(t *testing.T) {
	ee := newInstance(t, "EE")
	fiDown := newInstance(t, "FI")
	fiUp := newInstance(t, "FI")
	ee.publish(ee.private(fiDown, fiUp), ee.shared())
	fiUp.publish(fiUp.shared())

	c := newClient(t, ee)
	report, err := c.Refresh(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Federated, 1)
	fi := report.Federated["FI"]
	require.True(t, fi.Success())
	assert.Len(t, fi.Source.Locations, 2)
	assert.Contains(t, fi.Location.DownloadURL, fiUp.mirror.URL(fiUp.envelopePath()))
	require.Len(t, fi.Failures, 1)
	assert.Contains(t, fi.Failures[0].Location.DownloadURL, fiDown.mirror.URL(fiDown.envelopePath()))

	// Both sources failing surfaces in the refresh error.
	fiUp.mirror.Put(fiUp.envelopePath(), []byte("gone"), "text/plain")
	report, err = c.Refresh(context.Background())
	require.Error(t, err)
	assert.False(t, report.Federated["FI"].Success())
	assert.Len(t, report.Federated["FI"].Failures, 2)
}

func TestMergeByInstance(t *testing.T) {
	loc := func(instance, url string) types.ConfigurationLocation {
		return types.ConfigurationLocation{SourceInstance: instance, DownloadURL: url}
	}
	sources := []types.ConfigurationSource{
		{InstanceIdentifier: "FI", Locations: []types.ConfigurationLocation{loc("FI", "http://a"), loc("FI", "http://b")}},
		{InstanceIdentifier: "EE", Locations: []types.ConfigurationLocation{loc("EE", "http://main")}},
		{InstanceIdentifier: "LV", Locations: []types.ConfigurationLocation{loc("LV", "http://lv")}},
		{InstanceIdentifier: "FI", Locations: []types.ConfigurationLocation{loc("FI", "http://b"), loc("FI", "http://c")}},
	}

	merged := mergeByInstance(sources, "EE")
	require.Len(t, merged, 2)
	assert.Equal(t, "FI", merged[0].InstanceIdentifier)
	var urls []string
	for _, l := range merged[0].Locations {
		urls = append(urls, l.DownloadURL)
	}
	assert.Equal(t, []string{"http://a", "http://b", "http://c"}, urls)
	assert.Equal(t, "LV", merged[1].InstanceIdentifier)
	assert.Len(t, merged[1].Locations, 1)
}

func TestRefreshRespectsLock(t *testing.T) {
	ee := newInstance(t, "EE")
	ee.publish(ee.private(), ee.shared())

	c := newClient(t, ee)
	lock, err := directory.AcquireLock(c.Directory().Root())
	require.NoError(t, err)
	defer lock.Release()

	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, directory.ErrLocked)
	assert.Zero(t, ee.mirror.Requests(ee.envelopePath()))
}

func TestRefreshMissingAnchor(t *testing.T) {
	ee := newInstance(t, "EE")
	c := newClient(t, ee)
	require.NoError(t, os.Remove(c.cfg.AnchorPath))

	_, err := c.Refresh(context.Background())
	assert.Error(t, err)
	_, err = c.Store().Current()
	assert.ErrorIs(t, err, globalconf.ErrNotLoaded)
}

func TestRunRefreshesUntilCanceled(t *testing.T) {
	ee := newInstance(t, "EE")
	ee.publish(ee.private(), ee.shared())
	c := newClient(t, ee)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return ee.mirror.Requests(ee.envelopePath()) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
