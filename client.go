package didpatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client talks to a patch registry over HTTP.
type Client struct {
	// RegistryURL is the method, hostname, and port of the registry,
	// e.g. "http://localhost:8080".
	RegistryURL string
	UserAgent   string
	// HTTPClient defaults to http.DefaultClient when nil.
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RegistryURL+path, nil)
	if err != nil {
		return err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("registry request failed (%d): %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Resolve fetches the current DID document for a DID.
func (c *Client) Resolve(ctx context.Context, did string) (*DidDocument, error) {
	var doc DidDocument
	if err := c.get(ctx, "/"+url.PathEscape(did), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DIDData is the head summary served by a registry's data endpoint: the
// resolved document plus the metadata needed to construct the next entry.
type DIDData struct {
	DID        string       `json:"did"`
	HeadCID    string       `json:"headCid"`
	UpdateKeys []string     `json:"updateKeys"`
	Document   *DidDocument `json:"document"`
}

// Data fetches the head summary for a DID.
func (c *Client) Data(ctx context.Context, did string) (*DIDData, error) {
	var d DIDData
	if err := c.get(ctx, "/"+url.PathEscape(did)+"/data", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PatchLog fetches the full entry log for a DID.
func (c *Client) PatchLog(ctx context.Context, did string) ([]LogEntry, error) {
	var entries []LogEntry
	if err := c.get(ctx, "/"+url.PathEscape(did)+"/log", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// LastEntry fetches the most recent log entry for a DID.
func (c *Client) LastEntry(ctx context.Context, did string) (*LogEntry, error) {
	var le LogEntry
	if err := c.get(ctx, "/"+url.PathEscape(did)+"/log/last", &le); err != nil {
		return nil, err
	}
	return &le, nil
}

// Submit sends a signed entry to the registry.
func (c *Client) Submit(ctx context.Context, did string, entry *Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RegistryURL+"/"+url.PathEscape(did), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("submit failed (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Export fetches a page of committed entries with a sequence number greater
// than the cursor, oldest first.
func (c *Client) Export(ctx context.Context, after int64, limit int) ([]ExportEntry, error) {
	path := fmt.Sprintf("/export?after=%d&count=%d", after, limit)
	var entries []ExportEntry
	if err := c.get(ctx, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportEntry is a log entry plus its registry-global sequence number, as
// served by the export endpoints.
type ExportEntry struct {
	Seq       int64  `json:"seq"`
	DID       string `json:"did"`
	Entry     Entry  `json:"entry"`
	CID       string `json:"cid"`
	CreatedAt string `json:"createdAt"`
}
