// Package client keeps a configuration directory up to date. Each refresh
// downloads the main source named by the trust anchor, then the sources of
// every federated instance the main instance declares, and finally
// republishes the read-side snapshot.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"globalconf/pkg/anchor"
	"globalconf/pkg/config"
	"globalconf/pkg/directory"
	"globalconf/pkg/download"
	"globalconf/pkg/globalconf"
	"globalconf/pkg/health"
	"globalconf/pkg/params"
	"globalconf/pkg/types"
)

// Content downloaded for the main instance and for federated instances.
var (
	MainContent      = []types.ContentIdentifier{types.ContentPrivateParameters, types.ContentSharedParameters}
	FederatedContent = []types.ContentIdentifier{types.ContentSharedParameters}
)

// Client refreshes the configuration directory.
type Client struct {
	cfg     *config.Config
	dir     *directory.Directory
	store   *globalconf.Store
	monitor *health.Monitor
	metrics *download.Metrics
	fetcher download.Fetcher
	logger  *zap.Logger
	now     func() time.Time

	// mu serializes refreshes within the process; the directory lock
	// covers other processes.
	mu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the downloader metrics shared by every source.
func WithMetrics(m *download.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f download.Fetcher) Option {
	return func(c *Client) {
		if f != nil {
			c.fetcher = f
		}
	}
}

// WithMonitor reports refresh outcomes to m.
func WithMonitor(m *health.Monitor) Option {
	return func(c *Client) {
		c.monitor = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a client for cfg. The configuration directory is created if
// missing.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	dir, err := directory.New(cfg.ConfigurationDir, directory.WithLogger(c.logger), directory.WithClock(c.now))
	if err != nil {
		return nil, err
	}
	c.dir = dir
	c.store = globalconf.NewStore(c.logger)

	if c.fetcher == nil {
		f := download.NewHTTPFetcher(&http.Client{})
		if cfg.MaxResponseSize > 0 {
			f.MaxSize = cfg.MaxResponseSize
		}
		c.fetcher = f
	}
	if c.metrics == nil {
		c.metrics = download.NewMetrics(prometheus.NewRegistry())
	}
	return c, nil
}

// Directory returns the configuration directory.
func (c *Client) Directory() *directory.Directory {
	return c.dir
}

// Store returns the read-side store.
func (c *Client) Store() *globalconf.Store {
	return c.store
}

// Report is the outcome of a refresh.
type Report struct {
	MainInstance string
	Main         download.DownloadResult
	// Federated holds the result per federated instance.
	Federated map[string]download.DownloadResult
	// Pruned lists instances removed because no longer declared.
	Pruned   []string
	Snapshot *globalconf.Snapshot
}

// Err returns every download and reload failure of the refresh, joined.
func (r *Report) Err() error {
	var errs []error
	if err := r.Main.Err(); err != nil {
		errs = append(errs, err)
	}
	ids := make([]string, 0, len(r.Federated))
	for id := range r.Federated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.Federated[id].Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh downloads the main and federated sources and reloads the
// snapshot. Federated instances are downloaded even when the main source
// fails, from the sources declared by the persisted private parameters. A
// failed reload keeps the previous snapshot.
func (c *Client) Refresh(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report, err := c.refresh(ctx)
	if c.monitor != nil {
		c.monitor.Record(err, c.now())
	}
	return report, err
}

func (c *Client) refresh(ctx context.Context) (*Report, error) {
	if c.cfg.Lock {
		lock, err := directory.AcquireLock(c.dir.Root())
		if err != nil {
			return nil, err
		}
		defer lock.Release()
	}

	a, err := anchor.Load(c.cfg.AnchorPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration anchor: %w", err)
	}
	source := a.Source()
	report := &Report{
		MainInstance: source.InstanceIdentifier,
		Federated:    make(map[string]download.DownloadResult),
	}

	mainDownloader := c.newDownloader()
	report.Main = c.downloadSource(ctx, mainDownloader, source, MainContent)

	federated, err := c.federatedSources(mainDownloader, source.InstanceIdentifier)
	if err != nil {
		c.logger.Warn("Cannot determine federated sources", zap.Error(err))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, fs := range federated {
		g.Go(func() error {
			result := c.downloadSource(gctx, c.newDownloader(), fs, FederatedContent)
			mu.Lock()
			report.Federated[fs.InstanceIdentifier] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Pruning needs a known federation; after a failed lookup nothing is
	// removed.
	if err == nil {
		report.Pruned = c.prune(source.InstanceIdentifier, federated)
	}

	snap, reloadErr := c.store.Reload(c.dir, source.InstanceIdentifier, c.now())
	report.Snapshot = snap

	errs := []error{report.Err(), reloadErr}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return report, errors.Join(errs...)
}

func (c *Client) newDownloader() *download.Downloader {
	return download.New(c.dir,
		download.WithLogger(c.logger),
		download.WithMetrics(c.metrics),
		download.WithFetcher(c.fetcher),
		download.WithFetchTimeout(c.cfg.FetchTimeout))
}

func (c *Client) downloadSource(ctx context.Context, d *download.Downloader, source types.ConfigurationSource, ids []types.ContentIdentifier) download.DownloadResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()

	result := d.Download(ctx, source, ids...)
	if result.Success() {
		c.logger.Info("Configuration source downloaded",
			zap.String("instance", source.InstanceIdentifier),
			zap.String("url", result.Location.DownloadURL),
			zap.Int("written", len(result.Written)),
			zap.Int("refreshed", len(result.Refreshed)))
	} else {
		c.logger.Error("Failed to download configuration source",
			zap.String("instance", source.InstanceIdentifier),
			zap.Error(result.Err()))
	}
	return result
}

// federatedSources returns the sources declared by the main instance. The
// harvest of the last download is used when the private parameters were
// fetched; otherwise the persisted copy is decoded.
func (c *Client) federatedSources(d *download.Downloader, mainInstance string) ([]types.ConfigurationSource, error) {
	sources, ok := d.Federation().Sources(mainInstance)
	if !ok {
		data, _, err := c.dir.ReadPart(mainInstance, types.ContentPrivateParameters)
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		private, err := params.DecodePrivateParameters(data)
		if err != nil {
			return nil, err
		}
		sources = private.Sources()
	}

	return mergeByInstance(sources, mainInstance), nil
}

// mergeByInstance folds sources declaring the same instance into one
// source whose locations keep declaration order, so that each instance
// directory has a single writer. Repeated download URLs are dropped and
// the main instance is skipped.
func mergeByInstance(sources []types.ConfigurationSource, mainInstance string) []types.ConfigurationSource {
	var out []types.ConfigurationSource
	index := make(map[string]int)
	seen := make(map[string]bool)
	for _, s := range sources {
		id := s.InstanceIdentifier
		if id == mainInstance {
			continue
		}
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, types.ConfigurationSource{InstanceIdentifier: id})
		}
		for _, loc := range s.Locations {
			key := id + " " + loc.DownloadURL
			if seen[key] {
				continue
			}
			seen[key] = true
			out[i].Locations = append(out[i].Locations, loc)
		}
	}
	return out
}

func (c *Client) prune(mainInstance string, federated []types.ConfigurationSource) []string {
	keep := map[string]bool{mainInstance: true}
	for _, s := range federated {
		keep[s.InstanceIdentifier] = true
	}

	ids, err := c.dir.InstanceIdentifiers()
	if err != nil {
		c.logger.Warn("Cannot list configuration directory", zap.Error(err))
		return nil
	}

	var pruned []string
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := c.dir.Remove(id); err != nil {
			c.logger.Warn("Failed to remove undeclared instance", zap.String("instance", id), zap.Error(err))
			continue
		}
		pruned = append(pruned, id)
	}
	return pruned
}

// Run refreshes immediately and then every refresh interval until ctx is
// canceled. Failed refreshes are logged and retried on the next tick.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		start := c.now()
		if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("Configuration refresh failed", zap.Error(err))
		} else if err == nil {
			c.logger.Debug("Configuration refresh finished", zap.Duration("duration", c.now().Sub(start)))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
