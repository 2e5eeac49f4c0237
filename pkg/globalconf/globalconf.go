// Package globalconf is the read side of the configuration directory: an
// immutable snapshot of every persisted instance's parameters, published
// atomically so readers never observe a partially loaded configuration.
package globalconf

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"globalconf/pkg/directory"
	"globalconf/pkg/hash"
	"globalconf/pkg/params"
	"globalconf/pkg/types"
)

var (
	// ErrNotLoaded is returned before the first successful reload.
	ErrNotLoaded = errors.New("global configuration is not loaded")
	// ErrOutdated is returned when persisted configuration is past its
	// expiration date.
	ErrOutdated = errors.New("global configuration is outdated")
	// ErrUnknownInstance is returned for instances without shared parameters.
	ErrUnknownInstance = errors.New("unknown instance")
)

// Read retries against a directory whose writer is between renames.
const (
	readAttempts = 5
	readBackoff  = 20 * time.Millisecond
)

// Store owns the current snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
	logger  *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger}
}

// Current returns the last published snapshot.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNotLoaded
	}
	return snap, nil
}

// Reload builds a new snapshot from dir and publishes it. On error the
// previous snapshot stays current.
func (s *Store) Reload(dir *directory.Directory, mainInstance string, now time.Time) (*Snapshot, error) {
	snap, err := Build(dir, mainInstance, now)
	if err != nil {
		s.logger.Warn("Failed to reload global configuration", zap.Error(err))
		return nil, err
	}
	s.current.Store(snap)
	s.logger.Info("Global configuration reloaded",
		zap.Strings("instances", snap.InstanceIdentifiers()),
		zap.Time("expires", snap.ExpirationDate()))
	return snap, nil
}

// Snapshot is an immutable view of the configuration directory.
type Snapshot struct {
	mainInstance string
	loadedAt     time.Time
	instances    map[string]*instanceConf
	ids          []string
}

type instanceConf struct {
	private    *params.PrivateParameters
	shared     *params.SharedParameters
	trust      *TrustStore
	tsps       []*x509.Certificate
	ocspCerts  []*x509.Certificate
	expiration time.Time
}

// Build loads every instance in dir. Instances without shared parameters
// are skipped.
func Build(dir *directory.Directory, mainInstance string, now time.Time) (*Snapshot, error) {
	ids, err := dir.InstanceIdentifiers()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		mainInstance: mainInstance,
		loadedAt:     now,
		instances:    make(map[string]*instanceConf),
	}
	for _, id := range ids {
		conf, err := loadInstance(dir, id)
		if err != nil {
			return nil, fmt.Errorf("loading configuration of %s: %w", id, err)
		}
		if conf == nil {
			continue
		}
		snap.instances[id] = conf
		snap.ids = append(snap.ids, id)
	}
	sort.Strings(snap.ids)
	return snap, nil
}

func loadInstance(dir *directory.Directory, id string) (*instanceConf, error) {
	sharedData, sharedMeta, err := readPart(dir, id, types.ContentSharedParameters)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	shared, err := params.DecodeSharedParameters(sharedData)
	if err != nil {
		return nil, err
	}

	conf := &instanceConf{
		shared:     shared,
		trust:      NewTrustStore(),
		expiration: sharedMeta.ExpirationDate,
	}
	if err := conf.trust.LoadApprovedCAs(shared.ApprovedCAs); err != nil {
		return nil, err
	}
	for _, tsa := range shared.ApprovedTSAs {
		cert, err := params.DecodeCert(tsa.Cert)
		if err != nil {
			return nil, fmt.Errorf("approved TSA %s: %w", tsa.Name, err)
		}
		conf.tsps = append(conf.tsps, cert)
	}
	for _, r := range conf.trust.AllResponders() {
		if strings.TrimSpace(r.Cert) == "" {
			continue
		}
		cert, err := params.DecodeCert(r.Cert)
		if err != nil {
			return nil, fmt.Errorf("OCSP responder %s: %w", r.URL, err)
		}
		conf.ocspCerts = append(conf.ocspCerts, cert)
	}

	privateData, privateMeta, err := readPart(dir, id, types.ContentPrivateParameters)
	switch {
	case errors.Is(err, directory.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		conf.private, err = params.DecodePrivateParameters(privateData)
		if err != nil {
			return nil, err
		}
		if earlier(privateMeta.ExpirationDate, conf.expiration) {
			conf.expiration = privateMeta.ExpirationDate
		}
	}
	return conf, nil
}

func readPart(dir *directory.Directory, id string, contentID types.ContentIdentifier) ([]byte, types.PartMetadata, error) {
	var err error
	for i := 0; i < readAttempts; i++ {
		var (
			data []byte
			meta types.PartMetadata
		)
		data, meta, err = dir.ReadPart(id, contentID)
		if !errors.Is(err, directory.ErrNotConsistent) {
			return data, meta, err
		}
		time.Sleep(readBackoff)
	}
	return nil, types.PartMetadata{}, err
}

func earlier(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	return b.IsZero() || a.Before(b)
}

func (s *Snapshot) instance(id string) (*instanceConf, error) {
	conf, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return conf, nil
}

// MainInstance returns the instance the snapshot was loaded for.
func (s *Snapshot) MainInstance() string {
	return s.mainInstance
}

// InstanceIdentifiers returns every loaded instance, sorted.
func (s *Snapshot) InstanceIdentifiers() []string {
	return append([]string(nil), s.ids...)
}

// Members lists the members and subsystems of the given instances, or of
// every instance when none are given.
func (s *Snapshot) Members(instances ...string) []params.ClientID {
	if len(instances) == 0 {
		instances = s.ids
	}
	var out []params.ClientID
	for _, id := range instances {
		if conf, ok := s.instances[id]; ok {
			out = append(out, conf.shared.MemberIDs()...)
		}
	}
	return out
}

// MemberName returns the registered name of the member owning client.
func (s *Snapshot) MemberName(client params.ClientID) (string, bool) {
	conf, ok := s.instances[client.Instance]
	if !ok {
		return "", false
	}
	return conf.shared.MemberName(client)
}

// SecurityServers lists the security servers of the given instances, or of
// every instance when none are given.
func (s *Snapshot) SecurityServers(instances ...string) []params.SecurityServer {
	if len(instances) == 0 {
		instances = s.ids
	}
	var out []params.SecurityServer
	for _, id := range instances {
		if conf, ok := s.instances[id]; ok {
			out = append(out, conf.shared.SecurityServers...)
		}
	}
	return out
}

// ProviderAddresses returns the addresses of the servers hosting client.
func (s *Snapshot) ProviderAddresses(client params.ClientID) []string {
	conf, ok := s.instances[client.Instance]
	if !ok {
		return nil
	}
	var out []string
	for _, server := range conf.shared.SecurityServers {
		if hosts(conf.shared, server, client) {
			out = append(out, server.Address)
		}
	}
	return out
}

func hosts(shared *params.SharedParameters, server params.SecurityServer, client params.ClientID) bool {
	if owner, ok := shared.Resolve(server.Owner); ok && owner == client {
		return true
	}
	for _, ref := range server.Clients {
		if c, ok := shared.Resolve(ref); ok && c == client {
			return true
		}
	}
	return false
}

// AuthCertMatchesServer reports whether certDER is a registered
// authentication certificate of the server with serverCode.
func (s *Snapshot) AuthCertMatchesServer(instance, serverCode string, certDER []byte) bool {
	conf, ok := s.instances[instance]
	if !ok {
		return false
	}
	digest, err := hash.DigestBase64(certDER, hash.SHA1)
	if err != nil {
		return false
	}
	for _, server := range conf.shared.SecurityServers {
		if server.ServerCode != serverCode {
			continue
		}
		for _, h := range server.AuthCertHashes {
			if strings.TrimSpace(h) == digest {
				return true
			}
		}
	}
	return false
}

// GlobalGroupDescription returns the description of a global group.
func (s *Snapshot) GlobalGroupDescription(instance, groupCode string) (string, bool) {
	conf, ok := s.instances[instance]
	if !ok {
		return "", false
	}
	for _, g := range conf.shared.GlobalGroups {
		if g.GroupCode == groupCode {
			return g.Description, true
		}
	}
	return "", false
}

// CentralServices lists the central service codes of an instance.
func (s *Snapshot) CentralServices(instance string) []string {
	conf, ok := s.instances[instance]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conf.shared.CentralServices))
	for _, cs := range conf.shared.CentralServices {
		out = append(out, cs.ServiceCode)
	}
	return out
}

// CACert returns the approved CA certificate of instance that issued cert.
func (s *Snapshot) CACert(instance string, cert *x509.Certificate) (*x509.Certificate, error) {
	conf, err := s.instance(instance)
	if err != nil {
		return nil, err
	}
	ca, ok := conf.trust.Issuer(cert)
	if !ok {
		return nil, fmt.Errorf("no approved CA of %s issued %s", instance, cert.Subject)
	}
	return ca, nil
}

// CertChain returns the chain from cert to an approved top CA of instance.
func (s *Snapshot) CertChain(instance string, cert *x509.Certificate) ([]*x509.Certificate, error) {
	conf, err := s.instance(instance)
	if err != nil {
		return nil, err
	}
	return conf.trust.Chain(cert)
}

// OcspResponderAddresses returns the OCSP URLs of the CA that issued cert,
// searching every instance.
func (s *Snapshot) OcspResponderAddresses(cert *x509.Certificate) []string {
	var out []string
	for _, id := range s.ids {
		for _, r := range s.instances[id].trust.OcspResponders(cert) {
			if u := strings.TrimSpace(r.URL); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

// OcspResponderCertificates returns every OCSP responder certificate.
func (s *Snapshot) OcspResponderCertificates() []*x509.Certificate {
	var out []*x509.Certificate
	for _, id := range s.ids {
		out = append(out, s.instances[id].ocspCerts...)
	}
	return out
}

// TspCertificates returns the certificates of every approved TSA.
func (s *Snapshot) TspCertificates() []*x509.Certificate {
	var out []*x509.Certificate
	for _, id := range s.ids {
		out = append(out, s.instances[id].tsps...)
	}
	return out
}

// OcspFreshnessSeconds returns the OCSP freshness setting of the main
// instance.
func (s *Snapshot) OcspFreshnessSeconds() int {
	conf, ok := s.instances[s.mainInstance]
	if !ok {
		return 0
	}
	return conf.shared.GlobalSettings.OcspFreshnessSeconds
}

// ManagementService returns the management service settings of the main
// instance.
func (s *Snapshot) ManagementService() (params.ManagementService, bool) {
	conf, ok := s.instances[s.mainInstance]
	if !ok || conf.private == nil {
		return params.ManagementService{}, false
	}
	return conf.private.ManagementService, true
}

// ExpirationDate returns the earliest expiration date of all loaded parts.
func (s *Snapshot) ExpirationDate() time.Time {
	var out time.Time
	for _, id := range s.ids {
		if exp := s.instances[id].expiration; earlier(exp, out) {
			out = exp
		}
	}
	return out
}

// IsExpired reports whether any part of instance is past its expiration
// date.
func (s *Snapshot) IsExpired(instance string, now time.Time) bool {
	conf, ok := s.instances[instance]
	if !ok {
		return true
	}
	return !conf.expiration.IsZero() && now.After(conf.expiration)
}

// VerifyUpToDate returns ErrOutdated listing every expired instance.
func (s *Snapshot) VerifyUpToDate(now time.Time) error {
	if _, ok := s.instances[s.mainInstance]; !ok && s.mainInstance != "" {
		return fmt.Errorf("%w: no configuration for %s", ErrOutdated, s.mainInstance)
	}
	var expired []string
	for _, id := range s.ids {
		if s.IsExpired(id, now) {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		return fmt.Errorf("%w: %s", ErrOutdated, strings.Join(expired, ", "))
	}
	return nil
}

// LoadedAt returns the time the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}
