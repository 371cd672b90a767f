// Package graph uploads artifacts to a SharePoint document library through
// Microsoft Graph.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

// Config configures the uploader.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	SiteURL      string
	ChunkBytes   int
	MaxAttempts  int

	// BaseURL and TokenURL override the Graph and identity endpoints in
	// tests.
	BaseURL  string
	TokenURL string
}

// Uploader implements harvest.Uploader against a SharePoint drive.
type Uploader struct {
	client      *Client
	chunkBytes  int
	maxAttempts int
	backoffBase time.Duration
	logger      *zap.Logger
}

// New builds an Uploader.
func New(cfg Config, logger *zap.Logger) *Uploader {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 4 * 1024 * 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := newTokenProvider(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL)
	return &Uploader{
		client:      newClient(tokens, cfg.BaseURL, cfg.SiteURL, logger),
		chunkBytes:  cfg.ChunkBytes,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: time.Second,
		logger:      logger,
	}
}

// Upload transfers one artifact. A matching ArtifactKey at the destination
// short-circuits to a dedup skip. New artifacts are streamed in chunks to a
// temporary name and renamed into place.
func (u *Uploader) Upload(ctx context.Context, key harvest.ArtifactKey, body io.Reader) (harvest.UploadResult, error) {
	siteID, _, err := u.client.resolveDrive(ctx)
	if err != nil {
		return harvest.UploadResult{}, err
	}

	var folderID string
	err = u.withRetry(ctx, "ensure folder", func() error {
		var err error
		folderID, err = u.client.ensureFolder(ctx, key.Folder)
		return err
	})
	if err != nil {
		return harvest.UploadResult{}, err
	}

	var children []driveItem
	err = u.withRetry(ctx, "list destination", func() error {
		var err error
		children, err = u.client.listChildren(ctx, siteID, folderID)
		return err
	})
	if err != nil {
		return harvest.UploadResult{}, err
	}

	if existing := findArtifact(children, key); existing != nil {
		u.logger.Info("artifact already at destination, skipping transfer",
			zap.String("filename", key.Filename), zap.Int64("size", key.Size))
		return harvest.UploadResult{RemoteID: existing.ID, Deduplicated: true}, nil
	}

	finalName := disambiguate(key.Filename, children)
	tempName := finalName + ".uploading"

	itemID, err := u.transfer(ctx, siteID, folderID, tempName, key.Size, body)
	if err != nil {
		return harvest.UploadResult{}, err
	}

	if err := u.withRetry(ctx, "rename upload", func() error {
		return u.client.renameItem(ctx, siteID, itemID, finalName)
	}); err != nil {
		// The temp item would otherwise linger at the destination.
		_ = u.client.deleteItem(ctx, siteID, itemID)
		return harvest.UploadResult{}, err
	}
	return harvest.UploadResult{RemoteID: itemID}, nil
}

// transfer runs the upload session with chunked PUTs.
func (u *Uploader) transfer(ctx context.Context, siteID, folderID, name string, size int64, body io.Reader) (string, error) {
	var sessionURL string
	err := u.withRetry(ctx, "create upload session", func() error {
		var err error
		sessionURL, err = u.createSession(ctx, siteID, folderID, name)
		return err
	})
	if err != nil {
		return "", err
	}

	var (
		offset int64
		buf    = make([]byte, u.chunkBytes)
		itemID string
	)
	for {
		n, readErr := io.ReadFull(body, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return "", fmt.Errorf("read artifact chunk: %w", readErr)
		}
		chunk := buf[:n]

		err := u.withRetry(ctx, "upload chunk", func() error {
			var err error
			itemID, err = u.putChunk(ctx, sessionURL, chunk, offset, size)
			return err
		})
		if err != nil {
			return "", err
		}
		offset += int64(n)
		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}
	if itemID == "" {
		return "", errors.New("upload session finished without an item id")
	}
	return itemID, nil
}

func (u *Uploader) createSession(ctx context.Context, siteID, folderID, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/sites/%s/drive/items/%s:/%s:/createUploadSession",
		u.client.baseURL, siteID, folderID, pathEscape(name))
	payload, err := json.Marshal(map[string]any{
		"item": map[string]any{"@microsoft.graph.conflictBehavior": "replace"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal session payload: %w", err)
	}
	resp, err := u.client.do(ctx, http.MethodPost, endpoint, payload, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if session.UploadURL == "" {
		return "", errors.New("upload session missing uploadUrl")
	}
	return session.UploadURL, nil
}

// putChunk uploads one Content-Range slice. The final chunk's response
// carries the created item; intermediate chunks return 202.
func (u *Uploader) putChunk(ctx context.Context, sessionURL string, chunk []byte, offset, total int64) (string, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(chunkCtx, http.MethodPut, sessionURL, bytes.NewReader(chunk))
	if err != nil {
		return "", fmt.Errorf("build chunk request: %w", err)
	}
	req.Header.Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total))
	req.ContentLength = int64(len(chunk))

	resp, err := u.client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("put chunk: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return "", nil
	case http.StatusOK, http.StatusCreated:
		var item driveItem
		if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return "", fmt.Errorf("decode chunk response: %w", err)
		}
		return item.ID, nil
	default:
		return "", statusError(resp)
	}
}

// withRetry runs op with exponential backoff on transient failures,
// honoring Retry-After on 429s. Terminal and cancellation errors abort.
func (u *Uploader) withRetry(ctx context.Context, label string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsTerminal(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		var he *httpError
		if errors.As(lastErr, &he) && !retryableStatus(he.StatusCode) {
			return lastErr
		}
		if attempt == u.maxAttempts {
			break
		}

		delay := u.backoffBase << (attempt - 1)
		if errors.As(lastErr, &he) && he.RetryAfter > 0 {
			delay = he.RetryAfter
		}
		u.logger.Warn("retrying after transient failure",
			zap.String("op", label), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", label, lastErr)
}

// findArtifact matches the dedup key (filename + size) against existing
// children, including previously disambiguated names.
func findArtifact(children []driveItem, key harvest.ArtifactKey) *driveItem {
	base := strings.TrimSuffix(key.Filename, path.Ext(key.Filename))
	ext := path.Ext(key.Filename)
	for i := range children {
		item := &children[i]
		if item.Folder != nil || item.Size != key.Size {
			continue
		}
		if item.Name == key.Filename {
			return item
		}
		if strings.HasPrefix(item.Name, base+"(_") && strings.HasSuffix(item.Name, ")"+ext) {
			return item
		}
	}
	return nil
}

// disambiguate appends (_2), (_3), … when the filename is already taken by
// a different artifact.
func disambiguate(filename string, children []driveItem) string {
	taken := make(map[string]struct{}, len(children))
	for _, item := range children {
		taken[item.Name] = struct{}{}
	}
	if _, ok := taken[filename]; !ok {
		return filename
	}
	base := strings.TrimSuffix(filename, path.Ext(filename))
	ext := path.Ext(filename)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s(_%d)%s", base, i, ext)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

func pathEscape(name string) string {
	return url.PathEscape(name)
}
