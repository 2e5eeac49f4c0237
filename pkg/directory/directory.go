// Package directory is the durable store of verified configuration parts.
//
// Every part lives under root/<instance>/<name> with its metadata beside it
// in <name>.metadata. Writers replace the data file and then the metadata
// file, each through a synced temporary file renamed into place. Readers
// re-hash the data against the metadata and report ErrNotConsistent when
// they observe the window between the two renames.
//
// An instance holds at most one part per content identifier. Saving a part
// under a new name removes the entry it supersedes once the new one is
// committed.
package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"globalconf/pkg/hash"
	"globalconf/pkg/types"
)

// MetadataSuffix is appended to a part's path to name its metadata file.
const MetadataSuffix = ".metadata"

const tempSuffix = ".tmp"

var (
	// ErrNotConsistent is returned when data and metadata disagree, which
	// happens while a writer is between its two renames. Retry the read.
	ErrNotConsistent = errors.New("configuration directory is not consistent")
	// ErrNotFound is returned when no part matches a lookup.
	ErrNotFound = errors.New("configuration part not found")
)

// Entry is one persisted part.
type Entry struct {
	Path     string
	Metadata types.PartMetadata
}

// Directory is a configuration directory rooted at one path.
type Directory struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock sets the clock used for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// New opens the directory at root, creating it if needed.
func New(root string, opts ...Option) (*Directory, error) {
	if root == "" {
		return nil, fmt.Errorf("configuration directory path is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create configuration directory: %w", err)
	}
	d := &Directory{
		root:   root,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Root returns the directory root.
func (d *Directory) Root() string {
	return d.root
}

// PathFor returns the persisted path of the part at contentLocation
// belonging to instanceID.
func (d *Directory) PathFor(instanceID, contentLocation string) (string, error) {
	if err := validName(instanceID); err != nil {
		return "", fmt.Errorf("invalid instance identifier: %w", err)
	}

	loc := contentLocation
	if u, err := url.Parse(contentLocation); err == nil && u.Path != "" {
		loc = u.Path
	}
	name := path.Base(loc)
	if err := validName(name); err != nil {
		return "", fmt.Errorf("invalid content location %q: %w", contentLocation, err)
	}
	if strings.HasSuffix(name, MetadataSuffix) || strings.HasSuffix(name, tempSuffix) {
		return "", fmt.Errorf("invalid content location %q: reserved suffix", contentLocation)
	}
	return filepath.Join(d.root, instanceID, name), nil
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..", name == "/":
		return fmt.Errorf("%q is not a valid name", name)
	case strings.ContainsAny(name, `/\`), strings.HasPrefix(name, "."):
		return fmt.Errorf("%q is not a valid name", name)
	}
	return nil
}

// Save persists data and then its metadata.
func (d *Directory) Save(path string, data []byte, metadata types.PartMetadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}
	if err := WriteAtomic(path, data, 0644); err != nil {
		return err
	}
	if err := d.SaveMetadata(path, metadata); err != nil {
		return err
	}
	d.removeSuperseded(path, metadata.ContentIdentifier)
	d.logger.Debug("Saved configuration part",
		zap.String("path", path),
		zap.Int("bytes", len(data)),
		zap.String("content_identifier", string(metadata.ContentIdentifier)))
	return nil
}

// removeSuperseded deletes every other part of the same instance carrying
// contentID. Metadata goes first so readers never see a stale pair.
func (d *Directory) removeSuperseded(path string, contentID types.ContentIdentifier) {
	entries, err := d.list(filepath.Base(filepath.Dir(path)))
	if err != nil {
		d.logger.Warn("Cannot list superseded parts", zap.String("path", path), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.Path == path || e.Metadata.ContentIdentifier != contentID {
			continue
		}
		if err := os.Remove(e.Path + MetadataSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("Failed to remove superseded metadata", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("Failed to remove superseded part", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		d.logger.Debug("Removed superseded part",
			zap.String("path", e.Path),
			zap.String("content_identifier", string(contentID)))
	}
}

// SaveMetadata replaces the metadata of the part at path.
func (d *Directory) SaveMetadata(path string, metadata types.PartMetadata) error {
	metadata.UpdatedAt = d.now().UTC()
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}
	return WriteAtomic(path+MetadataSuffix, data, 0644)
}

// ReadMetadata reads the metadata of the part at path. A missing file
// wraps os.ErrNotExist.
func ReadMetadata(path string) (types.PartMetadata, error) {
	data, err := os.ReadFile(path + MetadataSuffix)
	if err != nil {
		return types.PartMetadata{}, err
	}
	var m types.PartMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return types.PartMetadata{}, fmt.Errorf("parsing metadata %s: %w", path+MetadataSuffix, err)
	}
	return m, nil
}

// ReadMetadata reads the metadata of the part at path.
func (d *Directory) ReadMetadata(path string) (types.PartMetadata, error) {
	return ReadMetadata(path)
}

// Read returns the data and metadata at path after checking that they
// belong together.
func (d *Directory) Read(path string) ([]byte, types.PartMetadata, error) {
	m, err := ReadMetadata(path)
	if err != nil {
		return nil, types.PartMetadata{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.PartMetadata{}, fmt.Errorf("%w: %s has metadata but no data", ErrNotConsistent, path)
		}
		return nil, types.PartMetadata{}, err
	}
	digest, err := hash.Digest(data, m.HashAlgorithmID)
	if err != nil {
		return nil, types.PartMetadata{}, err
	}
	recorded, err := hash.Decode(m.Hash)
	if err != nil {
		return nil, types.PartMetadata{}, fmt.Errorf("%w: %s: %v", ErrNotConsistent, path, err)
	}
	if !bytes.Equal(digest, recorded) {
		return nil, types.PartMetadata{}, fmt.Errorf("%w: %s does not match its metadata", ErrNotConsistent, path)
	}
	return data, m, nil
}

// ReadPart returns the part of instanceID with the given content identifier.
// If an interrupted save left several, the most recently updated wins.
func (d *Directory) ReadPart(instanceID string, contentID types.ContentIdentifier) ([]byte, types.PartMetadata, error) {
	entries, err := d.list(instanceID)
	if err != nil {
		return nil, types.PartMetadata{}, err
	}
	var latest *Entry
	for i, e := range entries {
		if e.Metadata.ContentIdentifier != contentID {
			continue
		}
		if latest == nil || e.Metadata.UpdatedAt.After(latest.Metadata.UpdatedAt) {
			latest = &entries[i]
		}
	}
	if latest == nil {
		return nil, types.PartMetadata{}, fmt.Errorf("%w: %s of %s", ErrNotFound, contentID, instanceID)
	}
	return d.Read(latest.Path)
}

// List returns every persisted part, ordered by instance and path.
func (d *Directory) List() ([]Entry, error) {
	instances, err := d.InstanceIdentifiers()
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, id := range instances {
		entries, err := d.list(id)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

func (d *Directory) list(instanceID string) ([]Entry, error) {
	dir := filepath.Join(d.root, instanceID)
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var entries []Entry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, MetadataSuffix) {
			continue
		}
		p := filepath.Join(dir, strings.TrimSuffix(name, MetadataSuffix))
		m, err := ReadMetadata(p)
		if err != nil {
			d.logger.Warn("Skipping unreadable metadata", zap.String("path", p), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{Path: p, Metadata: m})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// InstanceIdentifiers returns the instances with at least one persisted
// part, sorted.
func (d *Directory) InstanceIdentifiers() ([]string, error) {
	files, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.root, err)
	}
	var ids []string
	for _, f := range files {
		if !f.IsDir() || validName(f.Name()) != nil {
			continue
		}
		entries, err := d.list(f.Name())
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			ids = append(ids, f.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes every part of instanceID.
func (d *Directory) Remove(instanceID string) error {
	if err := validName(instanceID); err != nil {
		return fmt.Errorf("invalid instance identifier: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(d.root, instanceID)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", instanceID, err)
	}
	d.logger.Info("Removed configuration of instance", zap.String("instance", instanceID))
	return nil
}

// ExpirationDates returns the earliest expiration date per instance.
func (d *Directory) ExpirationDates() (map[string]time.Time, error) {
	entries, err := d.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	for _, e := range entries {
		id := filepath.Base(filepath.Dir(e.Path))
		exp := e.Metadata.ExpirationDate
		if cur, ok := out[id]; !ok || (!exp.IsZero() && exp.Before(cur)) {
			out[id] = exp
		}
	}
	return out, nil
}
