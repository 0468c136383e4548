package tower

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultCatalogURL is the public nf-core pipeline catalog.
const DefaultCatalogURL = "https://nf-co.re/pipelines.json"

// RemoteWorkflow describes one pipeline published in the catalog.
type RemoteWorkflow struct {
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	Description   string   `json:"description"`
	Topics        []string `json:"topics"`
	HTMLURL       string   `json:"html_url"`
	DefaultBranch string   `json:"default_branch,omitempty"`
	Archived      bool     `json:"archived,omitempty"`
}

// Catalog is the decoded catalog document.
type Catalog struct {
	Workflows []RemoteWorkflow `json:"remote_workflows"`
}

// ByFullName indexes the catalog by "org/repo".
func (c *Catalog) ByFullName() map[string]RemoteWorkflow {
	index := make(map[string]RemoteWorkflow, len(c.Workflows))
	for _, wf := range c.Workflows {
		index[wf.FullName] = wf
	}
	return index
}

// CatalogClient fetches the public pipeline catalog.
type CatalogClient struct {
	url  string
	http *http.Client
}

// NewCatalogClient returns a client for the catalog at catalogURL. A nil
// httpClient gets a 30 second timeout.
func NewCatalogClient(catalogURL string, httpClient *http.Client) *CatalogClient {
	if catalogURL == "" {
		catalogURL = DefaultCatalogURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CatalogClient{url: catalogURL, http: httpClient}
}

// Fetch downloads and decodes the catalog.
func (c *CatalogClient) Fetch(ctx context.Context) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{
			Verb:     http.MethodGet,
			Path:     c.url,
			Status:   resp.StatusCode,
			Expected: http.StatusOK,
			Body:     strings.TrimSpace(string(raw)),
		}
	}

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return &catalog, nil
}
