// Package client is a repository transport over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"wcsync/internal/api"
	"wcsync/internal/editor"
	"wcsync/internal/errors"
	"wcsync/internal/logging"
	"wcsync/internal/middleware"
	"wcsync/internal/reporter"
	"wcsync/internal/safe"
	"wcsync/internal/session"
	"wcsync/internal/status"
	"wcsync/internal/transport"

	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	compressor *safe.Compressor
	session    *session.Session
	logger     *zap.Logger
}

var _ transport.Transport = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.session = session.New(logger) }
}

// New connects to the server at baseURL. Each Client is one session:
// its operations do not overlap.
func New(baseURL string, opts ...Option) (*Client, error) {
	compressor, err := safe.NewCompressor(safe.DefaultCompressionOptions())
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Minute,
		},
		compressor: compressor,
		session:    session.New(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.session.Logger()
	return c, nil
}

func (c *Client) begin(ctx context.Context, op string) (func(), error) {
	if err := errors.Check(ctx); err != nil {
		return nil, err
	}
	return c.session.Begin(op)
}

// do sends body as JSON and decodes the response into out, which may be
// a *[]byte for raw bodies.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", api.EncodingZstd)
	if id, ok := ctx.Value(logging.RequestIDKey).(string); ok {
		req.Header.Set(middleware.HeaderRequestID, id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Cancelled(ctx.Err())
		}
		return errors.Connectivity(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Connectivity(err)
	}
	if resp.Header.Get("Content-Encoding") == api.EncodingZstd {
		if data, err = c.compressor.Decompress(data); err != nil {
			return errors.Connectivity(fmt.Errorf("decompressing response: %w", err))
		}
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.String("request_id", resp.Header.Get(middleware.HeaderRequestID)),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= http.StatusBadRequest {
		var e api.ErrorResponse
		if err := json.Unmarshal(data, &e); err != nil || e.Error == nil {
			return errors.Connectivity(fmt.Errorf("unexpected status: %s", resp.Status))
		}
		return e.Error
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = data
		return nil
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Protocol("decoding %s response: %v", path, err)
		}
		return nil
	}
}

func (c *Client) Info(ctx context.Context) (*transport.Info, error) {
	release, err := c.begin(ctx, "info")
	if err != nil {
		return nil, err
	}
	defer release()
	var info transport.Info
	if err := c.do(ctx, http.MethodGet, api.PathInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// commitEditor records the edit and sends it whole on CloseEdit.
type commitEditor struct {
	*editor.Recorder
	c       *Client
	ctx     context.Context
	req     transport.CommitRequest
	release func()
}

func (e *commitEditor) CloseEdit() (*editor.CommitInfo, error) {
	defer e.release()
	if _, err := e.Recorder.CloseEdit(); err != nil {
		return nil, err
	}
	var info editor.CommitInfo
	body := api.CommitBody{Request: e.req, Calls: e.Recorder.Calls()}
	if err := e.c.do(e.ctx, http.MethodPost, api.PathCommit, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (e *commitEditor) AbortEdit() error {
	e.release()
	return nil
}

func (c *Client) CommitEditor(ctx context.Context, req transport.CommitRequest) (editor.Editor, error) {
	release, err := c.begin(ctx, "commit")
	if err != nil {
		return nil, err
	}
	return editor.NewChecker(&commitEditor{
		Recorder: editor.NewRecorder(nil),
		c:        c,
		ctx:      ctx,
		req:      req,
		release:  release,
	}), nil
}

func (c *Client) drive(ctx context.Context, op, path string, req transport.UpdateRequest, baton reporter.Baton, ed editor.Editor) error {
	release, err := c.begin(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	body := api.DriveBody{Request: req}
	if baton != nil {
		rec := reporter.NewRecorder(nil)
		if err := baton.Report(ctx, reporter.NewChecker(rec)); err != nil {
			return err
		}
		body.Report = rec.Descriptors()
	}
	var resp api.EditResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		if abortErr := ed.AbortEdit(); abortErr != nil {
			c.logger.Warn("aborting edit", zap.String("op", op), zap.Error(abortErr))
		}
		return err
	}
	c.logger.Debug("replaying edit", zap.String("op", op), zap.Int("calls", len(resp.Calls)))
	_, err = editor.Replay(resp.Calls, ed)
	return err
}

func (c *Client) Update(ctx context.Context, req transport.UpdateRequest, baton reporter.Baton, ed editor.Editor) error {
	return c.drive(ctx, "update", api.PathUpdate, req, baton, ed)
}

func (c *Client) Status(ctx context.Context, req transport.UpdateRequest, baton reporter.Baton, ed editor.Editor) error {
	return c.drive(ctx, "status", api.PathStatus, req, baton, ed)
}

func (c *Client) Checkout(ctx context.Context, req transport.UpdateRequest, ed editor.Editor) error {
	return c.drive(ctx, "checkout", api.PathCheckout, req, nil, ed)
}

func (c *Client) Fetch(ctx context.Context, fileURL string, rev int64) ([]byte, error) {
	release, err := c.begin(ctx, "fetch")
	if err != nil {
		return nil, err
	}
	defer release()
	q := url.Values{"url": {fileURL}, "rev": {strconv.FormatInt(rev, 10)}}
	var text []byte
	if err := c.do(ctx, http.MethodGet, api.PathFetch+"?"+q.Encode(), nil, &text); err != nil {
		return nil, err
	}
	return text, nil
}

func (c *Client) Lock(ctx context.Context, req transport.LockRequest) (*status.Lock, error) {
	release, err := c.begin(ctx, "lock")
	if err != nil {
		return nil, err
	}
	defer release()
	var lock status.Lock
	if err := c.do(ctx, http.MethodPost, api.PathLock, req, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

func (c *Client) Unlock(ctx context.Context, lockURL, token string) error {
	release, err := c.begin(ctx, "unlock")
	if err != nil {
		return err
	}
	defer release()
	return c.do(ctx, http.MethodPost, api.PathUnlock, api.UnlockBody{URL: lockURL, Token: token}, nil)
}
