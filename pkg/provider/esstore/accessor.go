// Package esstore keeps lock records as documents in an Elasticsearch or
// OpenSearch index. Writes use _create for inserts and optimistic concurrency
// (if_seq_no / if_primary_term) for everything else.
package esstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	opensearchsdk "github.com/opensearch-project/opensearch-go/v4"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	// FlavorElasticsearch uses github.com/elastic/go-elasticsearch/v8.
	FlavorElasticsearch = "elasticsearch"
	// FlavorOpenSearch uses github.com/opensearch-project/opensearch-go/v4.
	FlavorOpenSearch = "opensearch"

	defaultIndex            = "shedlock"
	defaultOperationTimeout = 5 * time.Second
)

// Config configures the search-engine accessor.
type Config struct {
	Flavor           string
	Addresses        []string
	Username         string
	Password         string
	APIKey           string
	Index            string
	Holder           string
	MaxConns         int
	OperationTimeout time.Duration
}

func (c *Config) normalize() error {
	c.Flavor = strings.ToLower(strings.TrimSpace(c.Flavor))
	if c.Flavor == "" {
		c.Flavor = FlavorElasticsearch
	}
	if c.Flavor != FlavorElasticsearch && c.Flavor != FlavorOpenSearch {
		return fmt.Errorf("%w: unsupported search flavor %q", lock.ErrInvalidConfiguration, c.Flavor)
	}
	if strings.TrimSpace(c.Index) == "" {
		c.Index = defaultIndex
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if strings.TrimSpace(c.Holder) == "" {
		c.Holder = lock.DefaultHolder()
	}
	return nil
}

// Performer sends a request built with a relative path. Both
// *elasticsearch.Client and *opensearch.Client satisfy it.
type Performer interface {
	Perform(req *http.Request) (*http.Response, error)
}

type document struct {
	Name      string `json:"name"`
	LockUntil int64  `json:"lockUntil"`
	LockedAt  int64  `json:"lockedAt"`
	LockedBy  string `json:"lockedBy"`
}

type getResponse struct {
	Found       bool     `json:"found"`
	SeqNo       int64    `json:"_seq_no"`
	PrimaryTerm int64    `json:"_primary_term"`
	Source      document `json:"_source"`
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	client Performer
	log    logger.Logger
	clock  lock.Clock
	config Config
}

// NewAccessor builds the SDK client for cfg.Flavor and pings the cluster.
func NewAccessor(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: search addresses are required", lock.ErrInvalidConfiguration)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	var client Performer
	switch cfg.Flavor {
	case FlavorOpenSearch:
		clientCfg := opensearchsdk.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		}
		if strings.TrimSpace(cfg.APIKey) != "" {
			clientCfg.Header = http.Header{"Authorization": []string{"ApiKey " + strings.TrimSpace(cfg.APIKey)}}
		}
		osClient, err := opensearchsdk.NewClient(clientCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create opensearch sdk client: %w", err)
		}
		client = osClient
	default:
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			APIKey:    cfg.APIKey,
			Transport: transport,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create elasticsearch sdk client: %w", err)
		}
		client = esClient
	}

	accessor, err := NewAccessorWithClient(client, cfg, clock, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := accessor.ping(ctx); err != nil {
		return nil, err
	}
	return accessor, nil
}

// NewAccessorWithClient wraps an existing client.
func NewAccessorWithClient(client Performer, cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", lock.ErrInvalidArgument)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{client: client, log: log, clock: clock, config: cfg}, nil
}

// Backend returns the configured flavor.
func (a *Accessor) Backend() string { return a.config.Flavor }

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	return a.write(ctx, a.path("_create", cfg.Name()), a.newDocument(cfg))
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, err := a.get(ctx, cfg.Name())
	if err != nil || !current.Found {
		return false, err
	}
	if current.Source.LockUntil > a.clock.Now().UnixMilli() {
		return false, nil
	}
	return a.write(ctx, a.conditionalPath(cfg.Name(), current), a.newDocument(cfg))
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, err := a.get(ctx, cfg.Name())
	if err != nil || !current.Found {
		return err
	}
	doc := current.Source
	doc.LockUntil = cfg.UnlockTime(a.clock.Now()).UnixMilli()
	written, err := a.write(ctx, a.conditionalPath(cfg.Name(), current), doc)
	if err == nil && !written {
		a.log.Debug("lock document changed during unlock", "lock", cfg.Name())
	}
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, err := a.get(ctx, cfg.Name())
	if err != nil || !current.Found {
		return false, err
	}
	doc := current.Source
	if doc.LockedBy != a.config.Holder || doc.LockUntil <= a.clock.Now().UnixMilli() {
		return false, nil
	}
	doc.LockUntil = cfg.LockAtMostUntil().UnixMilli()
	return a.write(ctx, a.conditionalPath(cfg.Name(), current), doc)
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, err := a.get(ctx, name)
	if err != nil || !current.Found {
		return lock.Record{}, false, err
	}
	return lock.Record{
		Name:      name,
		LockUntil: time.UnixMilli(current.Source.LockUntil).UTC(),
		LockedAt:  time.UnixMilli(current.Source.LockedAt).UTC(),
		LockedBy:  current.Source.LockedBy,
	}, true, nil
}

// DeleteRecord removes a lock document.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	resp, err := a.perform(ctx, http.MethodDelete, a.path("_doc", name)+"?refresh=true", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return statusError("delete", resp)
	}
	return nil
}

// HealthCheck queries the local cluster health endpoint.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := a.perform(ctx, http.MethodGet, "/_cluster/health?local=true", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(a.config.Flavor+" health check", resp)
	}
	return nil
}

func (a *Accessor) ping(ctx context.Context) error {
	resp, err := a.perform(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(a.config.Flavor+" ping", resp)
	}
	return nil
}

func (a *Accessor) get(ctx context.Context, name string) (getResponse, error) {
	resp, err := a.perform(ctx, http.MethodGet, a.path("_doc", name), nil)
	if err != nil {
		return getResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return getResponse{}, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return getResponse{}, statusError("get", resp)
	}
	var out getResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return getResponse{}, fmt.Errorf("decode lock document %s: %w", name, err)
	}
	return out, nil
}

// write PUTs doc to path. A version conflict reports (false, nil).
func (a *Accessor) write(ctx context.Context, path string, doc document) (bool, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	resp, err := a.perform(ctx, http.MethodPut, path, payload)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return false, statusError("write", resp)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	}
}

func (a *Accessor) perform(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Perform(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", a.config.Flavor, err)
	}
	return resp, nil
}

func (a *Accessor) newDocument(cfg lock.Configuration) document {
	return document{
		Name:      cfg.Name(),
		LockUntil: cfg.LockAtMostUntil().UnixMilli(),
		LockedAt:  a.clock.Now().UnixMilli(),
		LockedBy:  a.config.Holder,
	}
}

func (a *Accessor) path(endpoint, name string) string {
	return "/" + url.PathEscape(a.config.Index) + "/" + endpoint + "/" + url.PathEscape(name)
}

func (a *Accessor) conditionalPath(name string, current getResponse) string {
	return fmt.Sprintf("%s?if_seq_no=%d&if_primary_term=%d&refresh=true", a.path("_doc", name), current.SeqNo, current.PrimaryTerm)
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
