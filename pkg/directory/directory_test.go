package directory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"globalconf/pkg/hash"
	"globalconf/pkg/types"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := New(t.TempDir(), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return d
}

func metadataFor(t *testing.T, id types.ContentIdentifier, instance string, data []byte) types.PartMetadata {
	t.Helper()
	digest, err := hash.DigestBase64(data, hash.SHA512)
	require.NoError(t, err)
	return types.PartMetadata{
		ContentIdentifier:  id,
		InstanceIdentifier: instance,
		ContentLocation:    "/V2/" + instance + "/file.xml",
		Hash:               digest,
		HashAlgorithmID:    hash.SHA512,
		ExpirationDate:     fixedNow.Add(time.Hour),
	}
}

func TestPathFor(t *testing.T) {
	d := newDirectory(t)

	tests := []struct {
		name     string
		instance string
		location string
		want     string
		wantErr  bool
	}{
		{"Relative path", "EE", "/V2/EE/shared-params.xml", filepath.Join(d.Root(), "EE", "shared-params.xml"), false},
		{"Absolute URL", "EE", "http://mirror/V2/EE/private-params.xml?x=1", filepath.Join(d.Root(), "EE", "private-params.xml"), false},
		{"Bare name", "FI", "shared-params.xml", filepath.Join(d.Root(), "FI", "shared-params.xml"), false},
		{"Parent reference", "EE", "/V2/..", "", true},
		{"Empty location", "EE", "", "", true},
		{"Hidden file", "EE", "/V2/.lock", "", true},
		{"Metadata suffix", "EE", "/V2/x.metadata", "", true},
		{"Traversing instance", "../EE", "/V2/a.xml", "", true},
		{"Empty instance", "", "/V2/a.xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.PathFor(tt.instance, tt.location)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSaveAndRead(t *testing.T) {
	d := newDirectory(t)
	data := []byte("<conf>shared</conf>")
	meta := metadataFor(t, types.ContentSharedParameters, "EE", data)

	path, err := d.PathFor("EE", meta.ContentLocation)
	require.NoError(t, err)
	require.NoError(t, d.Save(path, data, meta))

	got, gotMeta, err := d.Read(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, meta.Hash, gotMeta.Hash)
	assert.True(t, fixedNow.Equal(gotMeta.UpdatedAt))
	assert.True(t, gotMeta.ExpirationDate.Equal(meta.ExpirationDate))

	got, _, err = d.ReadPart("EE", types.ContentSharedParameters)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, _, err = d.ReadPart("EE", types.ContentPrivateParameters)
	assert.ErrorIs(t, err, ErrNotFound)

	matches, err := filepath.Glob(filepath.Join(d.Root(), "EE", "*"+tempSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSaveMetadataLeavesDataUntouched(t *testing.T) {
	d := newDirectory(t)
	data := []byte("payload")
	meta := metadataFor(t, types.ContentPrivateParameters, "EE", data)
	path, err := d.PathFor("EE", meta.ContentLocation)
	require.NoError(t, err)
	require.NoError(t, d.Save(path, data, meta))

	before, err := os.Stat(path)
	require.NoError(t, err)

	meta.ExpirationDate = fixedNow.Add(48 * time.Hour)
	require.NoError(t, d.SaveMetadata(path, meta))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.True(t, os.SameFile(before, after))

	m, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.True(t, m.ExpirationDate.Equal(fixedNow.Add(48*time.Hour)))
}

func TestReadDetectsInconsistentPair(t *testing.T) {
	d := newDirectory(t)
	old := []byte("old")
	path, err := d.PathFor("EE", "/V2/EE/shared-params.xml")
	require.NoError(t, err)
	require.NoError(t, d.Save(path, old, metadataFor(t, types.ContentSharedParameters, "EE", old)))

	// Data replaced, metadata not yet.
	require.NoError(t, WriteAtomic(path, []byte("new"), 0644))

	_, _, err = d.Read(path)
	assert.ErrorIs(t, err, ErrNotConsistent)

	require.NoError(t, os.Remove(path))
	_, _, err = d.Read(path)
	assert.ErrorIs(t, err, ErrNotConsistent)
}

func TestSaveUnderNewNameSupersedesOldEntry(t *testing.T) {
	d := newDirectory(t)

	old := []byte("<conf>old</conf>")
	oldMeta := metadataFor(t, types.ContentSharedParameters, "EE", old)
	oldMeta.ContentLocation = "/V2/1/shared-a.xml"
	oldPath, err := d.PathFor("EE", oldMeta.ContentLocation)
	require.NoError(t, err)
	require.NoError(t, d.Save(oldPath, old, oldMeta))

	private := []byte("<conf>private</conf>")
	privateMeta := metadataFor(t, types.ContentPrivateParameters, "EE", private)
	privatePath, err := d.PathFor("EE", "/V2/1/private.xml")
	require.NoError(t, err)
	require.NoError(t, d.Save(privatePath, private, privateMeta))

	fresh := []byte("<conf>new</conf>")
	freshMeta := metadataFor(t, types.ContentSharedParameters, "EE", fresh)
	freshMeta.ContentLocation = "/V2/2/shared-b.xml"
	freshPath, err := d.PathFor("EE", freshMeta.ContentLocation)
	require.NoError(t, err)
	require.NoError(t, d.Save(freshPath, fresh, freshMeta))

	data, meta, err := d.ReadPart("EE", types.ContentSharedParameters)
	require.NoError(t, err)
	assert.Equal(t, fresh, data)
	assert.Equal(t, "/V2/2/shared-b.xml", meta.ContentLocation)

	_, err = os.Stat(oldPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(oldPath + MetadataSuffix)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Other content identifiers are untouched.
	data, _, err = d.ReadPart("EE", types.ContentPrivateParameters)
	require.NoError(t, err)
	assert.Equal(t, private, data)
}

func TestReadPartPrefersLatestEntry(t *testing.T) {
	now := fixedNow
	d, err := New(t.TempDir(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	old := []byte("old")
	oldPath, err := d.PathFor("EE", "/V2/1/shared-a.xml")
	require.NoError(t, err)
	require.NoError(t, d.Save(oldPath, old, metadataFor(t, types.ContentSharedParameters, "EE", old)))

	// A leftover pair from an interrupted save, written before the old one.
	now = fixedNow.Add(-time.Hour)
	stale := []byte("stale")
	stalePath := filepath.Join(d.Root(), "EE", "aaa.xml")
	require.NoError(t, WriteAtomic(stalePath, stale, 0644))
	require.NoError(t, d.SaveMetadata(stalePath, metadataFor(t, types.ContentSharedParameters, "EE", stale)))

	data, _, err := d.ReadPart("EE", types.ContentSharedParameters)
	require.NoError(t, err)
	assert.Equal(t, old, data)
}

func TestReadAcceptsUnpaddedHash(t *testing.T) {
	d := newDirectory(t)
	data := []byte("payload")
	meta := metadataFor(t, types.ContentSharedParameters, "EE", data)
	meta.Hash = strings.TrimRight(meta.Hash, "=")
	path, err := d.PathFor("EE", meta.ContentLocation)
	require.NoError(t, err)
	require.NoError(t, d.Save(path, data, meta))

	got, _, err := d.Read(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadMetadataMissing(t *testing.T) {
	_, err := ReadMetadata(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListAndInstanceIdentifiers(t *testing.T) {
	d := newDirectory(t)
	for _, instance := range []string{"FI", "EE"} {
		for _, id := range []types.ContentIdentifier{types.ContentSharedParameters, types.ContentPrivateParameters} {
			data := []byte(instance + string(id))
			meta := metadataFor(t, id, instance, data)
			path, err := d.PathFor(instance, "/V2/"+instance+"/"+string(id)+".xml")
			require.NoError(t, err)
			require.NoError(t, d.Save(path, data, meta))
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(d.Root(), "EMPTY"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), "EE", "stray"+tempSuffix), []byte("x"), 0644))

	ids, err := d.InstanceIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, []string{"EE", "FI"}, ids)

	entries, err := d.List()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "EE", entries[0].Metadata.InstanceIdentifier)
	assert.Equal(t, "FI", entries[3].Metadata.InstanceIdentifier)

	exp, err := d.ExpirationDates()
	require.NoError(t, err)
	assert.True(t, exp["FI"].Equal(fixedNow.Add(time.Hour)))

	require.NoError(t, d.Remove("FI"))
	ids, err = d.InstanceIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, []string{"EE"}, ids)
}

func TestLock(t *testing.T) {
	root := t.TempDir()

	lock, err := AcquireLock(root)
	require.NoError(t, err)

	_, err = AcquireLock(root)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	again, err := AcquireLock(root)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
