// Package remote talks to a Jira-compatible issue tracker over REST.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/tracksync/internal/tracksync"
	"github.com/google/uuid"
)

const (
	defaultBaseURL = "http://127.0.0.1:8080"
	defaultTimeout = 15 * time.Second
	apiPrefix      = "/rest/api/2/issue/"
)

type Options struct {
	BaseURL string
	// Token is sent as a bearer token, or as the basic-auth password when
	// Username is set.
	Token      string
	Username   string
	HTTPClient *http.Client
	UserAgent  string
	// StatusField names the remote field whose updates go through the
	// transitions endpoint instead of the issue edit.
	StatusField string
	// UserFields are sent as {UserKey: value} objects and read back from
	// the same key.
	UserFields []string
	// UserKey identifies a user inside a user field: "name" on Server and
	// Data Center, "accountId" on Cloud. Defaults to "name".
	UserKey string
}

// Client is a single-attempt remote client. Retries, breaking and fallback
// are the caller's concern.
type Client struct {
	baseURL     string
	token       string
	username    string
	httpClient  *http.Client
	userAgent   string
	statusField string
	userFields  map[string]bool
	userKey     string
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	statusField := strings.TrimSpace(opts.StatusField)
	if statusField == "" {
		statusField = "status"
	}
	userFields := map[string]bool{}
	names := opts.UserFields
	if names == nil {
		names = []string{"assignee"}
	}
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			userFields[name] = true
		}
	}
	userKey := strings.TrimSpace(opts.UserKey)
	if userKey == "" {
		userKey = "name"
	}
	return &Client{
		baseURL:     baseURL,
		token:       strings.TrimSpace(opts.Token),
		username:    strings.TrimSpace(opts.Username),
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		statusField: statusField,
		userFields:  userFields,
		userKey:     userKey,
	}
}

type issueResponse struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

type transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   struct {
		Name string `json:"name"`
	} `json:"to"`
}

type transitionsResponse struct {
	Transitions []transition `json:"transitions"`
}

// Fetch returns the issue's fields flattened to scalars. Named objects
// (status, issuetype) collapse to their display name; user fields collapse
// to the identifier Apply writes so a round trip compares equal.
func (c *Client) Fetch(ctx context.Context, entityID string) (tracksync.RemoteFields, error) {
	var issue issueResponse
	if _, err := c.doJSON(ctx, "fetch", http.MethodGet, issuePath(entityID), nil, &issue); err != nil {
		return nil, err
	}
	out := make(tracksync.RemoteFields, len(issue.Fields)+1)
	for name, value := range issue.Fields {
		if c.userFields[name] {
			out[name] = c.flattenUser(value)
			continue
		}
		out[name] = flatten(value)
	}
	key := issue.Key
	if key == "" {
		key = entityID
	}
	out["key"] = key
	return out, nil
}

// Apply edits the issue. A status value is applied by executing the
// transition whose target has that name.
func (c *Client) Apply(ctx context.Context, entityID string, updates tracksync.RemoteFields) (tracksync.Ack, error) {
	fields := map[string]any{}
	var targetStatus string
	for name, value := range updates {
		switch {
		case name == c.statusField:
			targetStatus = strings.TrimSpace(fmt.Sprint(value))
		case c.userFields[name]:
			if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
				fields[name] = nil
			} else {
				fields[name] = map[string]any{c.userKey: value}
			}
		default:
			fields[name] = value
		}
	}

	var correlation string
	if len(fields) > 0 {
		id, err := c.doJSON(ctx, "update", http.MethodPut, issuePath(entityID), map[string]any{"fields": fields}, nil)
		if err != nil {
			return tracksync.Ack{}, err
		}
		correlation = id
	}
	if targetStatus != "" {
		id, err := c.transitionTo(ctx, entityID, targetStatus)
		if err != nil {
			return tracksync.Ack{}, err
		}
		correlation = id
	}
	return tracksync.Ack{EntityID: entityID, CorrelationID: correlation}, nil
}

func (c *Client) ListTransitions(ctx context.Context, entityID string) ([]string, error) {
	transitions, err := c.transitions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(transitions))
	for _, t := range transitions {
		names = append(names, transitionTarget(t))
	}
	return names, nil
}

func (c *Client) transitions(ctx context.Context, entityID string) ([]transition, error) {
	var resp transitionsResponse
	if _, err := c.doJSON(ctx, "transitions", http.MethodGet, issuePath(entityID)+"/transitions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

func (c *Client) transitionTo(ctx context.Context, entityID, status string) (string, error) {
	transitions, err := c.transitions(ctx, entityID)
	if err != nil {
		return "", err
	}
	for _, t := range transitions {
		if strings.EqualFold(transitionTarget(t), status) {
			body := map[string]any{"transition": map[string]string{"id": t.ID}}
			return c.doJSON(ctx, "transition", http.MethodPost, issuePath(entityID)+"/transitions", body, nil)
		}
	}
	return "", &tracksync.PermanentRemoteError{
		Op:         "transition",
		StatusCode: http.StatusConflict,
		Code:       "transition_unavailable",
		Message:    fmt.Sprintf("no transition from current status to %q", status),
	}
}

func transitionTarget(t transition) string {
	if name := strings.TrimSpace(t.To.Name); name != "" {
		return name
	}
	return strings.TrimSpace(t.Name)
}

// doJSON performs one request and returns the correlation id it sent.
func (c *Client) doJSON(ctx context.Context, op, method, requestPath string, body, out any) (string, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return "", err
	}
	correlationID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	switch {
	case c.username != "":
		req.SetBasicAuth(c.username, c.token)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return correlationID, ctxErr
		}
		return correlationID, classifyTransport(op, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return correlationID, &tracksync.TransientRemoteError{Op: op, StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return correlationID, nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return correlationID, fmt.Errorf("%s: decode response: %w", op, err)
		}
		return correlationID, nil
	}
	return correlationID, classifyStatus(op, resp.StatusCode, resp.Header.Get("Retry-After"), payload)
}

// classifyTransport marks connection-level failures retryable. Every
// *url.Error satisfies net.Error, so that interface alone says nothing.
// TLS failures repeat on every attempt and stay permanent.
func classifyTransport(op string, err error) error {
	if isTLSFailure(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.As(err, &opErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return &tracksync.TransientRemoteError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTLSFailure(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var alertErr tls.AlertError
	var recordErr tls.RecordHeaderError
	var authorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &verifyErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}

func classifyStatus(op string, status int, retryAfter string, payload []byte) error {
	message := errorMessage(payload)
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return &tracksync.TransientRemoteError{
			Op:         op,
			StatusCode: status,
			RetryAfter: parseRetryAfter(retryAfter),
			Err:        errors.New(message),
		}
	}
	code := ""
	if status == http.StatusNotFound {
		code = "not_found"
	}
	return &tracksync.PermanentRemoteError{Op: op, StatusCode: status, Code: code, Message: message}
}

// errorMessage extracts Jira's {"errorMessages": [...], "errors": {...}}
// body, falling back to the raw text.
func errorMessage(payload []byte) string {
	var parsed struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
		Message       string            `json:"message"`
	}
	if json.Unmarshal(payload, &parsed) == nil {
		parts := append([]string(nil), parsed.ErrorMessages...)
		for field, msg := range parsed.Errors {
			parts = append(parts, field+": "+msg)
		}
		if parsed.Message != "" {
			parts = append(parts, parsed.Message)
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return "empty response"
	}
	return text
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// flatten collapses Jira's nested field objects to the scalar the mapper
// compares.
func flatten(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range []string{"displayName", "name", "value", "percent"} {
			if inner, ok := v[key]; ok && inner != nil {
				return inner
			}
		}
		return v
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, flatten(item))
		}
		return out
	default:
		return v
	}
}

func (c *Client) flattenUser(value any) any {
	if v, ok := value.(map[string]any); ok {
		if id, ok := v[c.userKey]; ok && id != nil {
			return id
		}
	}
	return flatten(value)
}

func issuePath(entityID string) string {
	return apiPrefix + url.PathEscape(strings.TrimSpace(entityID))
}
