package download

import (
	"errors"
	"fmt"

	"globalconf/pkg/conferr"
	"globalconf/pkg/parser"
	"globalconf/pkg/types"
)

// LocationFailure records why one location attempt failed.
type LocationFailure struct {
	Location types.ConfigurationLocation
	Err      error
}

func (f LocationFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Location.DownloadURL, f.Err)
}

func (f LocationFailure) Unwrap() error {
	return f.Err
}

// DownloadResult is the outcome of downloading one source.
type DownloadResult struct {
	Source types.ConfigurationSource
	// Configuration and Location are set when a location succeeded.
	Configuration *parser.Configuration
	Location      *types.ConfigurationLocation
	// Failures holds every failed attempt, in location order.
	Failures []LocationFailure
	// Written and Refreshed list the paths whose data was replaced and the
	// paths where only metadata was refreshed by the winning attempt.
	Written   []string
	Refreshed []string
}

// Success reports whether a location succeeded.
func (r DownloadResult) Success() bool {
	return r.Configuration != nil
}

// Err returns nil on success, otherwise every failure joined.
func (r DownloadResult) Err() error {
	if r.Success() {
		return nil
	}
	if len(r.Failures) == 0 {
		return conferr.Malformed("source %s has no locations", r.Source.InstanceIdentifier)
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return fmt.Errorf("failed to download configuration of %s from any location: %w",
		r.Source.InstanceIdentifier, errors.Join(errs...))
}
