package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Client is a thin Microsoft Graph drive client scoped to one SharePoint
// site.
type Client struct {
	http    *http.Client
	tokens  *tokenProvider
	baseURL string
	siteURL string
	logger  *zap.Logger

	idMu    sync.Mutex
	siteID  string
	driveID string
}

type driveItem struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Size   int64           `json:"size"`
	Folder json.RawMessage `json:"folder,omitempty"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

func newClient(tokens *tokenProvider, baseURL, siteURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		tokens:  tokens,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		siteURL: siteURL,
		logger:  logger,
	}
}

// do issues an authenticated request, renewing the bearer token once on a
// 401. The caller owns the response body.
func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("graph request: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			c.tokens.Invalidate()
			continue
		}
		return resp, nil
	}
}

// resolveDrive resolves and caches the site and default drive IDs.
func (c *Client) resolveDrive(ctx context.Context) (string, string, error) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	if c.siteID != "" && c.driveID != "" {
		return c.siteID, c.driveID, nil
	}

	domain, sitePath, err := splitSiteURL(c.siteURL)
	if err != nil {
		return "", "", err
	}

	var site struct {
		ID string `json:"id"`
	}
	siteEndpoint := fmt.Sprintf("%s/sites/%s:/sites/%s", c.baseURL, domain, sitePath)
	if err := c.getJSON(ctx, siteEndpoint, &site); err != nil {
		return "", "", fmt.Errorf("resolve site id: %w", err)
	}

	var drive struct {
		ID string `json:"id"`
	}
	driveEndpoint := fmt.Sprintf("%s/sites/%s/drive", c.baseURL, site.ID)
	if err := c.getJSON(ctx, driveEndpoint, &drive); err != nil {
		return "", "", fmt.Errorf("resolve drive id: %w", err)
	}

	c.siteID, c.driveID = site.ID, drive.ID
	return c.siteID, c.driveID, nil
}

// ensureFolder walks the folder path under the drive root, creating missing
// segments, and returns the terminal folder item ID.
func (c *Client) ensureFolder(ctx context.Context, folderPath string) (string, error) {
	siteID, _, err := c.resolveDrive(ctx)
	if err != nil {
		return "", err
	}

	parentID := "root"
	for _, segment := range splitFolderPath(folderPath) {
		children, err := c.listChildren(ctx, siteID, parentID)
		if err != nil {
			return "", err
		}
		var found string
		for _, item := range children {
			if item.Name == segment && item.Folder != nil {
				found = item.ID
				break
			}
		}
		if found != "" {
			parentID = found
			continue
		}
		created, err := c.createFolder(ctx, siteID, parentID, segment)
		if err != nil {
			return "", err
		}
		parentID = created
	}
	return parentID, nil
}

// listChildren returns every child of a drive item, following pagination.
func (c *Client) listChildren(ctx context.Context, siteID, itemID string) ([]driveItem, error) {
	endpoint := fmt.Sprintf("%s/sites/%s/drive/items/%s/children", c.baseURL, siteID, itemID)
	var all []driveItem
	for endpoint != "" {
		var page childrenPage
		if err := c.getJSON(ctx, endpoint, &page); err != nil {
			return nil, fmt.Errorf("list children: %w", err)
		}
		all = append(all, page.Value...)
		endpoint = page.NextLink
	}
	return all, nil
}

func (c *Client) createFolder(ctx context.Context, siteID, parentID, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/sites/%s/drive/items/%s/children", c.baseURL, siteID, parentID)
	payload, err := json.Marshal(map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "rename",
	})
	if err != nil {
		return "", fmt.Errorf("marshal folder payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, payload, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}
	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "", fmt.Errorf("decode folder response: %w", err)
	}
	c.logger.Info("created destination folder", zap.String("name", name))
	return item.ID, nil
}

// renameItem patches a drive item's name; used to land uploads atomically.
func (c *Client) renameItem(ctx context.Context, siteID, itemID, name string) error {
	endpoint := fmt.Sprintf("%s/sites/%s/drive/items/%s", c.baseURL, siteID, itemID)
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("marshal rename payload: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, endpoint, payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *Client) deleteItem(ctx context.Context, siteID, itemID string) error {
	endpoint := fmt.Sprintf("%s/sites/%s/drive/items/%s", c.baseURL, siteID, itemID)
	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError converts a non-2xx Graph response into a typed error.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if terminalStatus(resp.StatusCode) {
		return &TerminalError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &httpError{StatusCode: resp.StatusCode, Message: msg, RetryAfter: parseRetryAfter(resp)}
}

// httpError is a potentially transient Graph failure.
type httpError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *httpError) Error() string {
	return fmt.Sprintf("graph error %d: %s", e.StatusCode, e.Message)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func splitSiteURL(siteURL string) (domain, sitePath string, err error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", "", fmt.Errorf("parse site url: %w", err)
	}
	const marker = "/sites/"
	idx := strings.Index(u.Path, marker)
	if u.Host == "" || idx < 0 {
		return "", "", fmt.Errorf("site url %q must look like https://tenant.sharepoint.com/sites/Name", siteURL)
	}
	return u.Host, strings.Trim(u.Path[idx+len(marker):], "/"), nil
}

func splitFolderPath(folderPath string) []string {
	var segments []string
	for _, part := range strings.Split(folderPath, "/") {
		part = strings.TrimSpace(part)
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
