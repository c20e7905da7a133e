package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// cacheTTL is how long a discovered remote model list stays fresh.
const cacheTTL = 5 * time.Minute

// ErrUnknownModel is returned when a model ID is not registered.
var ErrUnknownModel = errors.New("models: unknown model")

type remoteList struct {
	ids       []string
	etag      string
	fetchedAt time.Time
}

// Registry holds model descriptors built from the static catalog, user
// custom entries and plugin entries. It is read-only during requests.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Descriptor
	order []string

	fetchMu sync.Mutex // serializes remote discovery
	remote  map[string]remoteList
	client  *http.Client
}

// NewRegistry builds a registry from the static catalog overlaid with custom
// entries. A custom entry with a catalog ID replaces the catalog entry.
func NewRegistry(custom ...Descriptor) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]Descriptor),
		remote: make(map[string]remoteList),
		client: http.DefaultClient,
	}
	for _, d := range StaticCatalog() {
		r.put(d)
	}
	for _, d := range custom {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetHTTPClient replaces the client used for remote discovery.
func (r *Registry) SetHTTPClient(c *http.Client) {
	r.fetchMu.Lock()
	r.client = c
	r.fetchMu.Unlock()
}

// Register validates and adds a descriptor, replacing any entry with the same ID.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("models: descriptor without id")
	}
	if _, err := ParseFormat(string(d.Format)); err != nil {
		return fmt.Errorf("models: %s: %w", d.ID, err)
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	r.mu.Lock()
	r.put(d)
	r.mu.Unlock()
	return nil
}

func (r *Registry) put(d Descriptor) {
	d.Parameters = append([]Param(nil), d.Parameters...)
	if _, exists := r.byID[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.byID[d.ID] = d
}

// Lookup resolves a model ID or alias.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byID[id]; ok {
		return d, true
	}
	d, ok := r.byID[NormalizeModelID(id)]
	return d, ok
}

// MustLookup is Lookup returning ErrUnknownModel with a hint.
func (r *Registry) MustLookup(id string) (Descriptor, error) {
	if d, ok := r.Lookup(id); ok {
		return d, nil
	}
	_, hint := r.IsKnownModel(id)
	return Descriptor{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownModel, id, hint)
}

// All returns descriptors in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IsKnownModel reports whether id resolves. When it does not, hint lists
// the registered IDs, comma separated.
func (r *Registry) IsKnownModel(id string) (bool, string) {
	if _, ok := r.Lookup(id); ok {
		return true, ""
	}
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(names)
	return false, strings.Join(names, ", ")
}

// Discover lists the models served by an OpenAI-compatible endpoint
// (GET {endpoint}/models). Results are cached per endpoint for cacheTTL and
// revalidated with If-None-Match.
func (r *Registry) Discover(ctx context.Context, endpoint, apiKey string) ([]string, error) {
	endpoint = strings.TrimRight(endpoint, "/")

	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	cached, ok := r.remote[endpoint]
	if ok && time.Since(cached.fetchedAt) < cacheTTL {
		return cached.ids, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/models", nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ok {
			slog.Warn("models.discover", "endpoint", endpoint, "error", err, "stale", true)
			return cached.ids, nil
		}
		return nil, fmt.Errorf("models fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && ok {
		cached.fetchedAt = time.Now()
		r.remote[endpoint] = cached
		return cached.ids, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	var ids []string
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	for _, m := range list.Models {
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	sort.Strings(ids)

	r.remote[endpoint] = remoteList{ids: ids, etag: resp.Header.Get("ETag"), fetchedAt: time.Now()}
	return ids, nil
}
