// Package transport is the low-level HTTP layer of the client: media upload,
// task submit, status polling, and result download against the remote
// OpenAPI service. It owns the retry policy for transient failures; anything
// the remote rejects outright (4xx, business errors) is surfaced immediately.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"github.com/runninghub/openapi-go/apierrors"
	"github.com/runninghub/openapi-go/config"
	"github.com/runninghub/openapi-go/logger"
)

// TaskStatus is the normalized remote task state.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusUnknown   TaskStatus = "unknown"
)

// Terminal reports whether the status ends the remote task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StatusSnapshot is one observation of a remote task.
type StatusSnapshot struct {
	Status       TaskStatus
	OutputURLs   []string
	ErrorCode    string
	ErrorMessage string

	// Raw is the complete response body, preserved for callers that want
	// the untranslated remote payload.
	Raw json.RawMessage
}

const (
	defaultMaxAttempts     = 3
	defaultCallTimeout     = 60 * time.Second
	defaultPollTimeout     = 30 * time.Second
	defaultDownloadTimeout = 180 * time.Second
)

// Client performs the network calls of the execution pipeline. Each call is
// synchronous from the caller's perspective; concurrency across invocations
// comes from the shared connection pool underneath.
type Client struct {
	http        *resty.Client
	baseURL     string
	maxAttempts uint64
	log         zerolog.Logger

	submitTimeout   time.Duration
	uploadTimeout   time.Duration
	pollTimeout     time.Duration
	downloadTimeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithMaxAttempts bounds the retry budget per network call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = uint64(n)
		}
	}
}

// WithTimeouts sets the per-attempt deadlines for submit and upload calls.
func WithTimeouts(submit, upload time.Duration) Option {
	return func(c *Client) {
		if submit > 0 {
			c.submitTimeout = submit
		}
		if upload > 0 {
			c.uploadTimeout = upload
		}
	}
}

// NewClient creates a transport client bound to one set of credentials.
func NewClient(creds config.Credentials, opts ...Option) *Client {
	httpClient := newRestyClient("rh-openapi")
	httpClient.SetHeader("Authorization", "Bearer "+creds.APIKey)

	c := &Client{
		http:            httpClient,
		baseURL:         strings.TrimSuffix(creds.BaseURL, "/"),
		maxAttempts:     defaultMaxAttempts,
		log:             logger.For("transport"),
		submitTimeout:   defaultCallTimeout,
		uploadTimeout:   defaultCallTimeout,
		pollTimeout:     defaultPollTimeout,
		downloadTimeout: defaultDownloadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// flexString decodes a JSON string or number into a string; the remote API
// is not consistent about which it sends for error codes.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	*f = ""
	return nil
}

// envelope is the common error wrapper of the remote API. Both camelCase and
// snake_case spellings occur in the wild.
type envelope struct {
	ErrorCode    flexString `json:"errorCode"`
	ErrorCodeAlt flexString `json:"error_code"`
	ErrorMessage string     `json:"errorMessage"`
	ErrorMsgAlt  string     `json:"error_message"`
}

func (e *envelope) code() string {
	code := string(e.ErrorCode)
	if code == "" {
		code = string(e.ErrorCodeAlt)
	}
	// Zero is the service's "no error" code.
	if code == "0" {
		return ""
	}
	return code
}

func (e *envelope) message() string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	return e.ErrorMsgAlt
}

func (e *envelope) failed() bool {
	return e.code() != "" || e.message() != ""
}

// Upload pushes media bytes to the service and returns the remote URL the
// submit body should reference.
func (c *Client) Upload(ctx context.Context, data []byte, filename, mimeHint string) (string, error) {
	url := c.baseURL + "/media/upload/binary"

	var remoteURL string
	err := c.retryTransient(ctx, "upload", c.uploadTimeout, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetMultipartField("file", filename, mimeHint, bytes.NewReader(data)).
			Post(url)
		if err != nil {
			return apierrors.Wrap(apierrors.KindTransport, "upload request failed", err)
		}

		var parsed struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    struct {
				DownloadURL string `json:"download_url"`
			} `json:"data"`
		}
		body := resp.Bytes()
		if resp.StatusCode() != 200 {
			return c.statusError(resp.StatusCode(), "upload", body)
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return apierrors.Wrap(apierrors.KindMalformedResponse, "upload response is not valid JSON", err)
		}
		if parsed.Code != 0 {
			msg := parsed.Message
			if msg == "" {
				msg = fmt.Sprintf("upload rejected with code %d", parsed.Code)
			}
			return backoff.Permanent(apierrors.Newf(apierrors.KindRequest, "upload rejected: %s", msg))
		}
		if parsed.Data.DownloadURL == "" {
			return backoff.Permanent(apierrors.New(apierrors.KindMalformedResponse, "upload succeeded but response has no download_url"))
		}
		remoteURL = parsed.Data.DownloadURL
		return nil
	})
	if err != nil {
		return "", err
	}

	c.log.Debug().Str("filename", filename).Str("mime", mimeHint).Msg("media uploaded")
	return remoteURL, nil
}

// Submit creates a remote task and returns its id.
func (c *Client) Submit(ctx context.Context, endpoint string, body map[string]any) (string, error) {
	url := c.baseURL + "/" + strings.TrimPrefix(endpoint, "/")

	var taskID string
	err := c.retryTransient(ctx, "submit", c.submitTimeout, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(url)
		if err != nil {
			return apierrors.Wrap(apierrors.KindTransport, "submit request failed", err)
		}

		respBytes := resp.Bytes()
		var parsed struct {
			envelope
			TaskID    string `json:"taskId"`
			TaskIDAlt string `json:"task_id"`
		}
		if resp.StatusCode() != 200 {
			// Prefer the remote's own message when the body carries one.
			if json.Unmarshal(respBytes, &parsed) == nil && parsed.failed() {
				return c.remoteError(resp.StatusCode(), "submit", parsed.message(), parsed.code())
			}
			return c.statusError(resp.StatusCode(), "submit", respBytes)
		}
		if err := json.Unmarshal(respBytes, &parsed); err != nil {
			return apierrors.Wrap(apierrors.KindMalformedResponse, "submit response is not valid JSON", err)
		}
		if parsed.failed() {
			return c.remoteError(resp.StatusCode(), "submit", parsed.message(), parsed.code())
		}

		taskID = parsed.TaskID
		if taskID == "" {
			taskID = parsed.TaskIDAlt
		}
		if taskID == "" {
			return backoff.Permanent(apierrors.New(apierrors.KindMalformedResponse, "submit succeeded but response has no task id"))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.log.Debug().Str("endpoint", endpoint).Str("task_id", taskID).Msg("task submitted")
	return taskID, nil
}

// PollStatus queries the current state of a task.
func (c *Client) PollStatus(ctx context.Context, taskID string) (*StatusSnapshot, error) {
	url := c.baseURL + "/query"

	var snapshot *StatusSnapshot
	err := c.retryTransient(ctx, "poll", c.pollTimeout, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{"taskId": taskID}).
			Post(url)
		if err != nil {
			return apierrors.Wrap(apierrors.KindTransport, "poll request failed", err).WithTaskID(taskID)
		}

		respBytes := resp.Bytes()
		if resp.StatusCode() != 200 {
			return c.statusError(resp.StatusCode(), "poll", respBytes)
		}

		var parsed struct {
			envelope
			Status  string `json:"status"`
			Results []struct {
				URL       string `json:"url"`
				OutputURL string `json:"outputUrl"`
			} `json:"results"`
		}
		if err := json.Unmarshal(respBytes, &parsed); err != nil {
			return apierrors.Wrap(apierrors.KindMalformedResponse, "poll response is not valid JSON", err).WithTaskID(taskID)
		}

		snap := &StatusSnapshot{
			Status:       normalizeStatus(parsed.Status),
			ErrorCode:    parsed.code(),
			ErrorMessage: parsed.message(),
			Raw:          json.RawMessage(respBytes),
		}
		for _, r := range parsed.Results {
			if u := pickURL(r.URL, r.OutputURL); u != "" {
				snap.OutputURLs = append(snap.OutputURLs, u)
			}
		}
		// An error envelope on a poll response means the task failed even
		// when the status field lags behind.
		if snap.ErrorCode != "" || snap.ErrorMessage != "" {
			snap.Status = StatusFailed
		}
		snapshot = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Download fetches produced media by URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := c.retryTransient(ctx, "download", c.downloadTimeout, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", ""). // result URLs are pre-signed
			Get(url)
		if err != nil {
			return apierrors.Wrap(apierrors.KindTransport, "download request failed", err)
		}
		if resp.StatusCode() != 200 {
			return c.statusError(resp.StatusCode(), "download", nil)
		}
		data = resp.Bytes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// retryTransient runs op with bounded exponential backoff, giving each
// attempt its own deadline. op signals a non-retryable failure by returning
// backoff.Permanent.
func (c *Client) retryTransient(ctx context.Context, what string, perAttempt time.Duration, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 15 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		defer cancel()

		err := op(attemptCtx)
		if err != nil && attempt < int(c.maxAttempts) {
			var permanent *backoff.PermanentError
			if !errors.As(err, &permanent) {
				c.log.Warn().Err(err).Int("attempt", attempt).Str("call", what).Msg("transient failure, retrying")
			}
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxAttempts-1), ctx))

	// Caller-initiated aborts trump any transport classification.
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return apierrors.Wrap(apierrors.KindCancelled, fmt.Sprintf("%s aborted", what), ctx.Err())
	}
	return err
}

// statusError classifies a non-200 HTTP status: 4xx (except 429) is a
// non-retryable request error, everything else is transient.
func (c *Client) statusError(status int, what string, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if status >= 400 && status < 500 && status != 429 {
		return backoff.Permanent(apierrors.Newf(apierrors.KindRequest, "%s rejected with HTTP %d: %s", what, status, detail))
	}
	return apierrors.Newf(apierrors.KindTransport, "%s failed with HTTP %d: %s", what, status, detail)
}

// remoteError classifies an application-level error envelope. Business
// rejections (moderation, quota, bad parameters) are never retried.
func (c *Client) remoteError(status int, what, message, code string) error {
	if message == "" {
		message = "error code " + code
	}
	err := apierrors.Newf(apierrors.KindRequest, "%s failed: %s [errorCode: %s]", what, message, code)
	if retryableRemoteError(message, status) {
		// Keep the REQUEST kind but let the retry loop take another pass.
		return err
	}
	return backoff.Permanent(err)
}

// nonRetryableFragments marks business errors that will fail identically on
// every attempt.
var nonRetryableFragments = []string{
	"violation", "illegal", "forbidden", "nsfw",
	"content policy", "unauthorized", "bad request",
	"content verification failed", "moderation",
	"invalid parameter", "parameter error",
	"balance", "insufficient", "quota",
}

func retryableRemoteError(message string, status int) bool {
	lower := strings.ToLower(message)
	for _, fragment := range nonRetryableFragments {
		if strings.Contains(lower, fragment) {
			return false
		}
	}
	if status >= 400 && status < 500 && status != 429 {
		return false
	}
	return true
}

func normalizeStatus(s string) TaskStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATE", "QUEUED", "PENDING":
		return StatusQueued
	case "RUNNING":
		return StatusRunning
	case "SUCCESS", "SUCCEEDED":
		return StatusSucceeded
	case "FAILED":
		return StatusFailed
	case "CANCEL", "CANCELLED":
		return StatusCancelled
	}
	return StatusUnknown
}

func pickURL(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}
