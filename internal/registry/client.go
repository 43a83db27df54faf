// Package registry looks up company records in the ARES public register and
// enriches extracted parties with them. Lookups are cached, retried with
// linear backoff and guarded by a circuit breaker so a registry outage never
// slows document processing down to its timeouts.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/doklado/document-pipeline/internal/metrics"
	"github.com/doklado/document-pipeline/internal/models"
)

const (
	defaultCacheSize   = 1000
	defaultCacheTTL    = 24 * time.Hour
	negativeCacheTTL   = 10 * time.Minute
	lookupAttempts     = 3
	perAttemptTimeout  = 5 * time.Second
)

// Subject is one company record from the register.
type Subject struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TaxNumber     string `json:"tax_number"`
	Address       string `json:"address"`
	Active        bool   `json:"active"`
	TaxRegistered bool   `json:"tax_registered"`
}

// cacheEntry covers both positive hits and definitive not-found answers.
// Negative entries expire sooner so a freshly registered company shows up.
type cacheEntry struct {
	subject  *Subject
	notFound bool
	storedAt time.Time
}

// Client queries the ARES economic-subjects endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *expirable.LRU[string, cacheEntry]
	breaker *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

func WithCache(maxEntries int, ttl time.Duration) Option {
	return func(c *Client) {
		if maxEntries <= 0 {
			maxEntries = defaultCacheSize
		}
		if ttl <= 0 {
			ttl = defaultCacheTTL
		}
		c.cache = expirable.NewLRU[string, cacheEntry](maxEntries, nil, ttl)
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: perAttemptTimeout},
		cache:   expirable.NewLRU[string, cacheEntry](defaultCacheSize, nil, defaultCacheTTL),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ares",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("registry circuit breaker state change")
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeID canonicalizes a registration number: trims whitespace and
// strips leading zeros. Anything that is not 1 to 8 decimal digits after
// that cannot name a registry subject and comes back as a definitive
// not-found, answered locally without a network call.
func NormalizeID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", models.NewError(models.ErrRegistryNotFound,
				fmt.Sprintf("registration number %q contains non-digits", raw), nil)
		}
	}
	id = strings.TrimLeft(id, "0")
	if id == "" || len(id) > 8 {
		return "", models.NewError(models.ErrRegistryNotFound,
			fmt.Sprintf("registration number %q names no registry subject", raw), nil)
	}
	return id, nil
}

// Lookup fetches the subject for a registration number. A 404 from the
// register is a definitive answer (registry_not_found); transport and server
// failures surface as registry_unavailable after the retry budget runs out.
func (c *Client) Lookup(ctx context.Context, rawID string) (*Subject, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		metrics.RegistryLookups.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if entry, ok := c.cache.Get(id); ok {
		if entry.notFound {
			if time.Since(entry.storedAt) < negativeCacheTTL {
				metrics.RegistryLookups.WithLabelValues("not_found").Inc()
				return nil, models.NewError(models.ErrRegistryNotFound,
					fmt.Sprintf("registry record for %s not found", id), nil)
			}
			c.cache.Remove(id)
		} else {
			metrics.RegistryLookups.WithLabelValues("success").Inc()
			return entry.subject, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= lookupAttempts; attempt++ {
		subject, err := c.fetch(ctx, id)
		if err == nil {
			c.cache.Add(id, cacheEntry{subject: subject, storedAt: time.Now()})
			metrics.RegistryLookups.WithLabelValues("success").Inc()
			return subject, nil
		}
		if models.KindOf(err) == models.ErrRegistryNotFound {
			c.cache.Add(id, cacheEntry{notFound: true, storedAt: time.Now()})
			metrics.RegistryLookups.WithLabelValues("not_found").Inc()
			return nil, err
		}
		if models.KindOf(err) == models.ErrCancelled {
			metrics.RegistryLookups.WithLabelValues("error").Inc()
			return nil, err
		}
		lastErr = err
		if attempt < lookupAttempts {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				metrics.RegistryLookups.WithLabelValues("error").Inc()
				return nil, models.NewError(models.ErrCancelled, "registry lookup cancelled", ctx.Err())
			}
		}
	}
	metrics.RegistryLookups.WithLabelValues("error").Inc()
	return nil, models.NewError(models.ErrRegistryUnavailable,
		fmt.Sprintf("registry lookup for %s failed after %d attempts", id, lookupAttempts), lastErr)
}

func (c *Client) fetch(ctx context.Context, id string) (*Subject, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doFetch(ctx, id)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, models.NewError(models.ErrRegistryUnavailable, "registry circuit breaker open", err)
		}
		return nil, err
	}
	return result.(*Subject), nil
}

func (c *Client) doFetch(ctx context.Context, id string) (*Subject, error) {
	url := fmt.Sprintf("%s/economic-subjects/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, models.NewError(models.ErrInternal, "building registry request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewError(models.ErrCancelled, "registry lookup cancelled", ctx.Err())
		}
		return nil, models.NewError(models.ErrTransientNetwork, "registry request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, models.NewError(models.ErrRegistryNotFound,
			fmt.Sprintf("registry record for %s not found", id), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewError(models.ErrRateLimit, "registry rate limited", nil)
	case resp.StatusCode >= 500:
		return nil, models.NewError(models.ErrTransientNetwork,
			fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, models.NewError(models.ErrProviderError,
			fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, models.NewError(models.ErrTransientNetwork, "reading registry response", err)
	}
	subject, err := parseSubject(body)
	if err != nil {
		return nil, err
	}
	subject.ID = id
	return subject, nil
}

// aresSubject mirrors the fields we read from the ARES payload. The address
// is preferably the pre-rendered textovaAdresa; older records only carry the
// numbered address lines.
type aresSubject struct {
	ICO            string `json:"ico"`
	ObchodniJmeno  string `json:"obchodniJmeno"`
	DIC            string `json:"dic"`
	DatumZaniku    string `json:"datumZaniku"`
	Sidlo          struct {
		TextovaAdresa string `json:"textovaAdresa"`
		RadekAdresy1  string `json:"radekAdresy1"`
		RadekAdresy2  string `json:"radekAdresy2"`
		RadekAdresy3  string `json:"radekAdresy3"`
	} `json:"sidlo"`
	SeznamRegistraci struct {
		StavZdrojeDph string `json:"stavZdrojeDph"`
	} `json:"seznamRegistraci"`
}

func parseSubject(body []byte) (*Subject, error) {
	var raw aresSubject
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, models.NewError(models.ErrProviderError, "registry response is not valid JSON", err)
	}

	address := strings.TrimSpace(raw.Sidlo.TextovaAdresa)
	if address == "" {
		var lines []string
		for _, l := range []string{raw.Sidlo.RadekAdresy1, raw.Sidlo.RadekAdresy2, raw.Sidlo.RadekAdresy3} {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		address = strings.Join(lines, ", ")
	}

	return &Subject{
		Name:          strings.TrimSpace(raw.ObchodniJmeno),
		TaxNumber:     strings.TrimSpace(raw.DIC),
		Address:       address,
		Active:        strings.TrimSpace(raw.DatumZaniku) == "",
		TaxRegistered: strings.EqualFold(raw.SeznamRegistraci.StavZdrojeDph, "AKTIVNI"),
	}, nil
}
