package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaneosullivan/jstutor-sync/internal/accounts"
	"github.com/shaneosullivan/jstutor-sync/internal/identity"
	"github.com/shaneosullivan/jstutor-sync/internal/ledger"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
	"github.com/shaneosullivan/jstutor-sync/internal/snapshot"
	"go.uber.org/zap"
)

var (
	// ErrSyncDisabled indicates no sync endpoint is configured. Callers
	// treat this as permanent; there is nothing to retry.
	ErrSyncDisabled = errors.New("syncclient: no base url configured, sync disabled")
	// ErrRemoteNotFound indicates the server has no record for the query.
	ErrRemoteNotFound = errors.New("syncclient: remote record not found")

	errMissingIdentity = errors.New("syncclient: identity manager required")
)

// ClientConfig describes how to reach the sync server.
type ClientConfig struct {
	BaseURL  string
	Identity *identity.Manager
	HTTP     *http.Client
	Logger   *zap.Logger
}

// Client is a thin REST client for the sync API. Every request carries
// the durable client identifier cookie so the server can attribute
// writes and exclude this device's own changes from the feed.
type Client struct {
	baseURL  string
	identity *identity.Manager
	http     *http.Client
	logger   *zap.Logger
	secure   bool
}

// NewClient constructs a sync API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrSyncDisabled
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  baseURL,
		identity: cfg.Identity,
		http:     httpClient,
		logger:   logger,
		secure:   strings.HasPrefix(baseURL, "https://"),
	}, nil
}

// ClientID exposes the durable identifier the client stamps on requests.
func (c *Client) ClientID() (string, error) {
	return c.identity.ClientID()
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("syncclient: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("syncclient: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	clientID, err := c.identity.ClientID()
	if err != nil {
		return fmt.Errorf("syncclient: resolve client id: %w", err)
	}
	request.AddCookie(identity.NewCookie(clientID, c.secure))

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("syncclient: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return ErrRemoteNotFound
	}
	if response.StatusCode != http.StatusOK {
		var failed envelope
		_ = json.NewDecoder(response.Body).Decode(&failed)
		if failed.Error != "" {
			return fmt.Errorf("syncclient: %s %s: status %d (%s)", method, path, response.StatusCode, failed.Error)
		}
		return fmt.Errorf("syncclient: %s %s: status %d", method, path, response.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("syncclient: decode response: %w", err)
	}
	return nil
}

func (c *Client) doEnveloped(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var wrapped envelope
	if err := c.do(ctx, method, path, query, body, &wrapped); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(wrapped.Data, out); err != nil {
		return fmt.Errorf("syncclient: decode payload: %w", err)
	}
	return nil
}

// UpsertAccount creates or overwrites the account record.
func (c *Client) UpsertAccount(ctx context.Context, account accounts.Account) (accounts.Account, error) {
	var out accounts.Account
	err := c.doEnveloped(ctx, http.MethodPost, "/accounts", nil, account, &out)
	return out, err
}

// FetchAccount returns the server-side account record.
func (c *Client) FetchAccount(ctx context.Context, accountID string) (accounts.Account, error) {
	var out accounts.Account
	err := c.doEnveloped(ctx, http.MethodGet, "/accounts", url.Values{"accountId": {accountID}}, nil, &out)
	return out, err
}

type snapshotPushRequest struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	Data      string `json:"data"`
}

// PushSnapshot overwrites the account's server-side snapshot.
func (c *Client) PushSnapshot(ctx context.Context, accountID, email, data string) (snapshot.Timestamp, error) {
	var out snapshot.Timestamp
	err := c.doEnveloped(ctx, http.MethodPost, "/sync", nil,
		snapshotPushRequest{AccountID: accountID, Email: email, Data: data}, &out)
	return out, err
}

// FetchSnapshot returns the account's full server-side snapshot.
func (c *Client) FetchSnapshot(ctx context.Context, accountID string) (snapshot.AccountSnapshot, error) {
	var out snapshot.AccountSnapshot
	err := c.doEnveloped(ctx, http.MethodGet, "/sync", url.Values{"accountId": {accountID}}, nil, &out)
	return out, err
}

// SnapshotTimestamp probes the server-side snapshot clock without
// transferring the document.
func (c *Client) SnapshotTimestamp(ctx context.Context, accountID string) (snapshot.Timestamp, error) {
	var out snapshot.Timestamp
	err := c.do(ctx, http.MethodGet, "/sync/timestamp", url.Values{"accountId": {accountID}}, nil, &out)
	return out, err
}

// ChangeBatch is the change feed response: records grouped by entity
// type plus the referenced entities' current state.
type ChangeBatch struct {
	Data    map[string][]ledger.ChangeRecord `json:"data"`
	Meta    ChangeMeta                       `json:"meta"`
	Objects ledger.Objects                   `json:"objects"`
}

// ChangeMeta summarizes a change feed response.
type ChangeMeta struct {
	TotalChanges int `json:"totalChanges"`
}

// FetchChanges returns changes written by other clients for the
// account, with the referenced objects resolved in the same round trip.
func (c *Client) FetchChanges(ctx context.Context, accountID string, filter ledger.Filter) (ChangeBatch, error) {
	query := url.Values{
		"accountId":      {accountID},
		"includeObjects": {"true"},
	}
	if len(filter.Types) > 0 {
		names := make([]string, 0, len(filter.Types))
		for _, entityType := range filter.Types {
			names = append(names, string(entityType))
		}
		query.Set("types", strings.Join(names, ","))
	}
	if filter.CourseID != "" {
		query.Set("courseId", filter.CourseID)
	}

	var out ChangeBatch
	err := c.do(ctx, http.MethodGet, "/changes", query, nil, &out)
	return out, err
}

// SaveCourseProgress overwrites one course-progress document.
func (c *Client) SaveCourseProgress(ctx context.Context, doc progress.Document) (progress.Document, error) {
	var out progress.Document
	err := c.doEnveloped(ctx, http.MethodPost, "/course-progress", nil, doc, &out)
	return out, err
}
