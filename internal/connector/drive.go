package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/fingerprint"
)

// DriveConfig holds drive connector configuration.
type DriveConfig struct {
	BaseURL    string
	Token      string
	FolderID   string // optional; restricts listing to one folder
	SourceType string // defaults to "gdrive"
	Timeout    time.Duration
}

// DriveConnector talks to a Drive-style document store over HTTP JSON:
// list files, fetch exported content, read server-side checksums. Office
// documents arrive as exported bytes with their office MIME type.
type DriveConnector struct {
	httpClient *http.Client
	baseURL    string
	token      string
	folderID   string
	sourceType string
}

// NewDriveConnector creates a drive connector.
func NewDriveConnector(cfg DriveConfig) (*DriveConnector, error) {
	if cfg.BaseURL == "" {
		return nil, apperr.Validation("drive base URL is required")
	}
	if cfg.Token == "" {
		return nil, apperr.Validation("drive token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	sourceType := cfg.SourceType
	if sourceType == "" {
		sourceType = "gdrive"
	}

	return &DriveConnector{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		folderID:   cfg.FolderID,
		sourceType: sourceType,
	}, nil
}

// driveFile is the provider's file metadata shape.
type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	Owner        string `json:"owner,omitempty"`
	WebViewLink  string `json:"webViewLink,omitempty"`
	ModifiedTime string `json:"modifiedTime,omitempty"`
	MD5Checksum  string `json:"md5Checksum,omitempty"`
	SHA256       string `json:"sha256Checksum,omitempty"`
}

type driveListResponse struct {
	Files []driveFile `json:"files"`
}

type driveErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SourceType returns the configured source type.
func (c *DriveConnector) SourceType() string {
	return c.sourceType
}

// List enumerates files, optionally restricted to the configured folder.
func (c *DriveConnector) List(ctx context.Context) ([]DocumentRef, error) {
	endpoint := c.baseURL + "/files"
	if c.folderID != "" {
		endpoint += "?folder=" + url.QueryEscape(c.folderID)
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var listResp driveListResponse
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}

	refs := make([]DocumentRef, 0, len(listResp.Files))
	for _, f := range listResp.Files {
		ref := DocumentRef{
			SourceID:  f.ID,
			Title:     f.Name,
			Owner:     f.Owner,
			SourceURL: f.WebViewLink,
		}
		if f.ModifiedTime != "" {
			if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
				utc := ts.UTC()
				ref.ModifiedAt = &utc
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Fetch retrieves a file's metadata and exported content.
func (c *DriveConnector) Fetch(ctx context.Context, sourceID string) (*RawDocument, error) {
	meta, err := c.metadata(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	content, contentType, err := c.download(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = meta.MimeType
	}

	return &RawDocument{
		Content:     content,
		ContentType: contentType,
		SourceID:    sourceID,
		Title:       meta.Name,
		Owner:       meta.Owner,
		SourceURL:   meta.WebViewLink,
		Metadata: map[string]string{
			"mime_type": meta.MimeType,
		},
	}, nil
}

// ContentHash prefers the provider's server-side checksum and falls back to
// hashing the fetched bytes when the provider does not report one.
func (c *DriveConnector) ContentHash(ctx context.Context, sourceID string) (string, error) {
	meta, err := c.metadata(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if meta.SHA256 != "" {
		return strings.ToLower(meta.SHA256), nil
	}
	if meta.MD5Checksum != "" {
		return strings.ToLower(meta.MD5Checksum), nil
	}

	content, _, err := c.download(ctx, sourceID)
	if err != nil {
		return "", err
	}
	return fingerprint.Bytes(content), nil
}

func (c *DriveConnector) metadata(ctx context.Context, sourceID string) (*driveFile, error) {
	body, err := c.get(ctx, c.baseURL+"/files/"+url.PathEscape(sourceID))
	if err != nil {
		return nil, err
	}
	var meta driveFile
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode file metadata: %w", err)
	}
	return &meta, nil
}

func (c *DriveConnector) download(ctx context.Context, sourceID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/files/"+url.PathEscape(sourceID)+"/content", nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", apperr.Transient("drive request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperr.Transient("drive response read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", c.statusError(resp.StatusCode, body)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *DriveConnector) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transient("drive request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient("drive response read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, body)
	}
	return body, nil
}

// statusError maps provider status codes into the error taxonomy.
func (c *DriveConnector) statusError(status int, body []byte) error {
	message := fmt.Sprintf("drive returned status %d", status)
	var errResp driveErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch {
	case status == http.StatusNotFound:
		return apperr.NotFound(message)
	case status == http.StatusUnauthorized:
		return apperr.Auth(message)
	case status == http.StatusForbidden:
		return apperr.Forbidden(message)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.Transient(message, nil)
	default:
		return apperr.New(apperr.KindInternal, message)
	}
}

var _ Connector = (*DriveConnector)(nil)
