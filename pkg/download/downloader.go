// Package download fetches configuration from the mirror locations of a
// source, verifies every part and persists it to the configuration
// directory. Locations are tried in order; the first one whose parts are
// all verified and persisted wins.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"globalconf/pkg/conferr"
	"globalconf/pkg/directory"
	"globalconf/pkg/federation"
	"globalconf/pkg/hash"
	"globalconf/pkg/params"
	"globalconf/pkg/parser"
	"globalconf/pkg/types"
)

// DefaultFetchTimeout bounds a single network fetch.
const DefaultFetchTimeout = 30 * time.Second

// Downloader downloads configuration sources into a directory.
type Downloader struct {
	dir          *directory.Directory
	handlers     *params.Registry
	federation   *federation.Registry
	fetcher      Fetcher
	logger       *zap.Logger
	metrics      *Metrics
	fetchTimeout time.Duration
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Downloader) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(d *Downloader) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(d *Downloader) {
		if f != nil {
			d.fetcher = f
		}
	}
}

// WithFetchTimeout sets the per-request timeout.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.fetchTimeout = timeout
		}
	}
}

// WithHandlers replaces the content handler registry.
func WithHandlers(r *params.Registry) Option {
	return func(d *Downloader) {
		if r != nil {
			d.handlers = r
		}
	}
}

// WithFederation shares a federation registry with the caller.
func WithFederation(r *federation.Registry) Option {
	return func(d *Downloader) {
		if r != nil {
			d.federation = r
		}
	}
}

// New creates a downloader persisting into dir.
func New(dir *directory.Directory, opts ...Option) *Downloader {
	d := &Downloader{
		dir:          dir,
		handlers:     params.DefaultRegistry(),
		federation:   federation.NewRegistry(),
		fetcher:      NewHTTPFetcher(nil),
		logger:       zap.NewNop(),
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return d
}

// Federation returns the registry of sources harvested by the last
// download.
func (d *Downloader) Federation() *federation.Registry {
	return d.federation
}

// Download tries the locations of source in order and returns the first
// success, or every failure.
func (d *Downloader) Download(ctx context.Context, source types.ConfigurationSource, contentIdentifiers ...types.ContentIdentifier) DownloadResult {
	start := time.Now()
	d.federation.Reset()

	result := DownloadResult{Source: source}
	for _, loc := range source.Locations {
		if loc.SourceInstance == "" {
			loc.SourceInstance = source.InstanceIdentifier
		}

		attempt := &attempt{}
		conf, err := d.downloadLocation(ctx, loc, contentIdentifiers, attempt)
		if err == nil {
			d.commitHarvest(attempt)
			result.Configuration = conf
			l := loc
			result.Location = &l
			result.Written = attempt.written
			result.Refreshed = attempt.refreshed
			break
		}

		kind := conferr.Kind(err)
		d.metrics.LocationFailures.WithLabelValues(source.InstanceIdentifier, kind).Inc()
		d.logger.Warn("Failed to download configuration from location",
			zap.String("instance", source.InstanceIdentifier),
			zap.String("url", loc.DownloadURL),
			zap.String("kind", kind),
			zap.Error(err))
		result.Failures = append(result.Failures, LocationFailure{Location: loc, Err: err})

		if ctx.Err() != nil {
			break
		}
	}

	outcome := "failure"
	if result.Success() {
		outcome = "success"
	}
	d.metrics.Downloads.WithLabelValues(source.InstanceIdentifier, outcome).Inc()
	d.metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	d.metrics.FederatedSources.Set(float64(len(d.federation.Declared())))
	return result
}

// DownloadLocation downloads from one location and handles every part.
// Sources harvested from the location are registered only when it succeeds.
func (d *Downloader) DownloadLocation(ctx context.Context, location types.ConfigurationLocation, contentIdentifiers ...types.ContentIdentifier) (*parser.Configuration, error) {
	a := &attempt{}
	conf, err := d.downloadLocation(ctx, location, contentIdentifiers, a)
	if err != nil {
		return nil, err
	}
	d.commitHarvest(a)
	return conf, nil
}

// attempt collects the effects of one location attempt.
type attempt struct {
	written   []string
	refreshed []string
	harvest   []harvested
}

type harvested struct {
	instance string
	sources  []types.ConfigurationSource
}

func (d *Downloader) commitHarvest(a *attempt) {
	for _, h := range a.harvest {
		d.federation.RegisterSources(h.instance, h.sources)
	}
}

func (d *Downloader) downloadLocation(ctx context.Context, location types.ConfigurationLocation, contentIdentifiers []types.ContentIdentifier, a *attempt) (*parser.Configuration, error) {
	d.logger.Info("Downloading configuration", zap.String("url", location.DownloadURL))

	body, contentType, err := d.fetch(ctx, location.DownloadURL)
	if err != nil {
		return nil, err
	}

	conf, err := parser.Parse(location, bytes.NewReader(body), contentType, contentIdentifiers...)
	if err != nil {
		return nil, err
	}

	err = conf.EachFile(func(loc types.ConfigurationLocation, file types.ConfigurationFile) error {
		if err := ctx.Err(); err != nil {
			return conferr.Network("download of %s interrupted: %w", loc.DownloadURL, err)
		}
		return d.handle(ctx, loc, file, a)
	})
	if err != nil {
		return nil, err
	}
	return conf, nil
}

func (d *Downloader) handle(ctx context.Context, location types.ConfigurationLocation, file types.ConfigurationFile, a *attempt) error {
	d.logger.Debug("Handling configuration part", zap.Stringer("file", file))

	instance := location.SourceInstance
	if err := verifyInstanceIdentifier(instance, file.InstanceIdentifier, file); err != nil {
		return err
	}
	if _, err := hash.Lookup(file.HashAlgorithmID); err != nil {
		return err
	}

	path, err := d.dir.PathFor(instance, file.ContentLocation)
	if err != nil {
		return conferr.Malformed("content part %s: %w", file, err)
	}

	changed, err := d.ShouldDownload(file, path)
	if err != nil {
		return err
	}
	if !changed {
		d.logger.Debug("Configuration part is up to date",
			zap.String("content_location", file.ContentLocation),
			zap.Time("expires", file.ExpirationDate))
		if err := d.dir.SaveMetadata(path, file.Metadata()); err != nil {
			d.logger.Warn("Failed to refresh metadata", zap.String("path", path), zap.Error(err))
		}
		d.metrics.PartsUnchanged.WithLabelValues(string(file.ContentIdentifier)).Inc()
		a.refreshed = append(a.refreshed, path)
		return nil
	}

	url, err := location.Resolve(file.ContentLocation)
	if err != nil {
		return conferr.Malformed("content part %s: %w", file, err)
	}

	d.logger.Info("Downloading content", zap.String("url", url.String()))
	content, _, err := d.fetch(ctx, url.String())
	if err != nil {
		return err
	}

	if err := hash.Verify(content, file.Hash, file.HashAlgorithmID); err != nil {
		return fmt.Errorf("content %s: %w", file, err)
	}

	if err := d.handleContent(instance, content, file, a); err != nil {
		return err
	}

	d.logger.Info("Saving configuration part", zap.Stringer("file", file), zap.String("path", path))
	if err := d.dir.Save(path, content, file.Metadata()); err != nil {
		return fmt.Errorf("persisting %s: %w", file, err)
	}
	d.metrics.PartsFetched.WithLabelValues(string(file.ContentIdentifier)).Inc()
	a.written = append(a.written, path)
	return nil
}

func (d *Downloader) handleContent(instance string, content []byte, file types.ConfigurationFile, a *attempt) error {
	p, handled, err := d.handlers.Decode(file.ContentIdentifier, content)
	if err != nil {
		return err
	}
	if !handled {
		d.logger.Debug("No handler for content", zap.String("content_identifier", string(file.ContentIdentifier)))
		return nil
	}

	if err := verifyInstanceIdentifier(instance, p.InstanceIdentifier(), file); err != nil {
		return err
	}

	if declarer, ok := p.(params.SourceDeclarer); ok {
		sources := declarer.Sources()
		d.logger.Debug("Harvested federated sources",
			zap.String("instance", p.InstanceIdentifier()),
			zap.Int("sources", len(sources)))
		a.harvest = append(a.harvest, harvested{instance: p.InstanceIdentifier(), sources: sources})
	}
	return nil
}

// ShouldDownload reports whether the part must be fetched: there is no
// local copy at path, or the copy's digest differs from the declared hash.
func (d *Downloader) ShouldDownload(file types.ConfigurationFile, path string) (bool, error) {
	if _, err := hash.Lookup(file.HashAlgorithmID); err != nil {
		return false, err
	}
	declared, err := hash.Decode(file.Hash)
	if err != nil {
		return false, fmt.Errorf("content part %s: %w", file, err)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		d.logger.Debug("Downloading part missing locally",
			zap.String("content_location", file.ContentLocation),
			zap.String("path", path))
		return true, nil
	}

	digest, err := hash.HashFile(path, file.HashAlgorithmID)
	if err != nil {
		d.logger.Warn("Cannot hash local copy, downloading again", zap.String("path", path), zap.Error(err))
		return true, nil
	}
	if !bytes.Equal(digest, declared) {
		d.logger.Debug("Downloading changed part",
			zap.String("content_location", file.ContentLocation),
			zap.String("local_hash", hash.Encode(digest)),
			zap.String("declared_hash", file.Hash))
		return true, nil
	}
	return false, nil
}

func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.fetchTimeout)
	defer cancel()

	body, contentType, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		if !errors.Is(err, conferr.ErrNetwork) && !errors.Is(err, conferr.ErrMalformedInput) {
			err = conferr.Network("fetching %s: %w", url, err)
		}
		return nil, "", err
	}
	return body, contentType, nil
}

// verifyInstanceIdentifier rejects parts declaring another instance than
// the source they were downloaded for. Parts without a declaration pass.
func verifyInstanceIdentifier(expected, declared string, file types.ConfigurationFile) error {
	if declared == "" || declared == expected {
		return nil
	}
	return conferr.Malformed("content part %s has invalid instance identifier (expected %s, but was %s)",
		file, expected, declared)
}
