package globalconf

import (
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"globalconf/pkg/params"
)

// TrustStore holds the approved certification authorities of one instance
// and resolves member certificates to their issuers and chains.
type TrustStore struct {
	mu sync.RWMutex

	// top-level CAs form the roots, the rest are intermediates
	topCAs          []*caEntry
	intermediateCAs []*caEntry

	rootPool         *x509.CertPool
	intermediatePool *x509.CertPool

	// Chain cache, keyed by raw certificate
	chainCache map[string]*chainCacheEntry
	cacheTTL   time.Duration
}

type caEntry struct {
	name       string
	cert       *x509.Certificate
	responders []params.OcspResponder
}

type chainCacheEntry struct {
	chain     []*x509.Certificate
	err       error
	expiresAt time.Time
}

// NewTrustStore creates an empty trust store
func NewTrustStore() *TrustStore {
	return &TrustStore{
		chainCache:       make(map[string]*chainCacheEntry),
		cacheTTL:         5 * time.Minute,
		rootPool:         x509.NewCertPool(),
		intermediatePool: x509.NewCertPool(),
	}
}

// LoadApprovedCAs decodes every approved CA of shared parameters.
func (ts *TrustStore) LoadApprovedCAs(cas []params.ApprovedCA) error {
	for _, ca := range cas {
		top, err := params.DecodeCert(ca.TopCA.Cert)
		if err != nil {
			return fmt.Errorf("approved CA %s: %w", ca.Name, err)
		}
		ts.AddTopCA(ca.Name, top, ca.TopCA.OCSP)

		for _, intermediate := range ca.IntermediateCAs {
			cert, err := params.DecodeCert(intermediate.Cert)
			if err != nil {
				return fmt.Errorf("intermediate CA of %s: %w", ca.Name, err)
			}
			ts.AddIntermediateCA(ca.Name, cert, intermediate.OCSP)
		}
	}
	return nil
}

// AddTopCA adds a trusted top-level CA
func (ts *TrustStore) AddTopCA(name string, cert *x509.Certificate, responders []params.OcspResponder) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.topCAs = append(ts.topCAs, &caEntry{name: name, cert: cert, responders: responders})
	ts.rootPool.AddCert(cert)
	ts.clearCacheLocked()
}

// AddIntermediateCA adds an intermediate CA of an approved CA
func (ts *TrustStore) AddIntermediateCA(name string, cert *x509.Certificate, responders []params.OcspResponder) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.intermediateCAs = append(ts.intermediateCAs, &caEntry{name: name, cert: cert, responders: responders})
	ts.intermediatePool.AddCert(cert)
	ts.clearCacheLocked()
}

// Issuer returns the approved CA certificate that signed cert
func (ts *TrustStore) Issuer(cert *x509.Certificate) (*x509.Certificate, bool) {
	entry := ts.issuerEntry(cert)
	if entry == nil {
		return nil, false
	}
	return entry.cert, true
}

func (ts *TrustStore) issuerEntry(cert *x509.Certificate) *caEntry {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	for _, group := range [][]*caEntry{ts.intermediateCAs, ts.topCAs} {
		for _, ca := range group {
			if ca.cert.Equal(cert) {
				continue
			}
			if cert.CheckSignatureFrom(ca.cert) == nil {
				return ca
			}
		}
	}
	return nil
}

// Chain verifies cert against the approved CAs and returns the chain from
// cert to its top CA.
func (ts *TrustStore) Chain(cert *x509.Certificate) ([]*x509.Certificate, error) {
	ts.mu.RLock()
	cacheKey := string(cert.Raw)
	if entry, exists := ts.chainCache[cacheKey]; exists && time.Now().Before(entry.expiresAt) {
		ts.mu.RUnlock()
		return entry.chain, entry.err
	}
	ts.mu.RUnlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	opts := x509.VerifyOptions{
		Roots:         ts.rootPool,
		Intermediates: ts.intermediatePool,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	entry := &chainCacheEntry{expiresAt: time.Now().Add(ts.cacheTTL)}
	chains, err := cert.Verify(opts)
	if err != nil {
		entry.err = fmt.Errorf("certificate not issued by an approved CA: %w", err)
	} else {
		entry.chain = chains[0]
	}
	ts.chainCache[cacheKey] = entry
	return entry.chain, entry.err
}

// OcspResponders returns the responders of the CA that issued cert.
func (ts *TrustStore) OcspResponders(cert *x509.Certificate) []params.OcspResponder {
	entry := ts.issuerEntry(cert)
	if entry == nil {
		return nil
	}
	return entry.responders
}

// AllResponders returns every configured OCSP responder
func (ts *TrustStore) AllResponders() []params.OcspResponder {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var out []params.OcspResponder
	for _, group := range [][]*caEntry{ts.topCAs, ts.intermediateCAs} {
		for _, ca := range group {
			out = append(out, ca.responders...)
		}
	}
	return out
}

// TopCAs returns the trusted top-level CA certificates
func (ts *TrustStore) TopCAs() []*x509.Certificate {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make([]*x509.Certificate, 0, len(ts.topCAs))
	for _, ca := range ts.topCAs {
		out = append(out, ca.cert)
	}
	return out
}

// GetCertPool returns a pool containing all approved CAs
func (ts *TrustStore) GetCertPool() *x509.CertPool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	pool := x509.NewCertPool()
	for _, group := range [][]*caEntry{ts.topCAs, ts.intermediateCAs} {
		for _, ca := range group {
			pool.AddCert(ca.cert)
		}
	}
	return pool
}

// SetCacheTTL sets the TTL for chain cache entries
func (ts *TrustStore) SetCacheTTL(ttl time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.cacheTTL = ttl
	ts.clearCacheLocked()
}

// clearCacheLocked clears the cache (must be called with lock held)
func (ts *TrustStore) clearCacheLocked() {
	ts.chainCache = make(map[string]*chainCacheEntry)
}
