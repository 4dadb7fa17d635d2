// Package client talks to the fleet command backend over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fleetcmd/internal/errors"
	"fleetcmd/internal/logging"
	"fleetcmd/internal/model"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

const (
	executePath    = "/api/execute"
	jobPath        = "/api/job/"
	uploadCopyPath = "/api/upload-copy"
	copyFromVMPath = "/api/copy-from-vm"
)

// Client is a backend API client. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-request timeout; zero disables it
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithLogger sets the request logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the backend at server
func New(server string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url '%s': %w", server, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url '%s': scheme must be http or https", server)
	}

	c := &Client{
		baseURL: u,
		http:    cleanhttp.DefaultPooledClient(),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ExecuteRequest is the body of a command dispatch
type ExecuteRequest struct {
	IPs              []string `json:"ips"`
	Command          string   `json:"command"`
	Mode             string   `json:"mode,omitempty"`
	PostcheckPattern string   `json:"postcheckPattern,omitempty"`
}

// Execute dispatches a command. The returned error is always a transport error;
// backend refusals come back as Rejected.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}

	env, err := c.do(ctx, http.MethodPost, executePath, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return decodeExecute(env)
}

// Job fetches the state of an asynchronous job. Backend refusals are
// returned as application errors.
func (c *Client) Job(ctx context.Context, jobID string) (model.Job, error) {
	env, err := c.do(ctx, http.MethodGet, jobPath+url.PathEscape(jobID), "", nil)
	if err != nil {
		return model.Job{}, err
	}
	if !env.OK {
		return model.Job{}, env.rejection().Err
	}
	if env.Job == nil {
		return model.Job{}, errors.NewApplicationError(nil, MessageUnexpectedResponse)
	}
	job := *env.Job
	job.ID = jobID
	return job, nil
}

// UploadRequest describes a local file to copy to the targets
type UploadRequest struct {
	IPs      []string
	FileName string
	File     io.Reader
	DestDir  string
	Owner    string
	Group    string
}

// OpenUpload builds an UploadRequest for the file at path. The caller closes the returned file.
func OpenUpload(path string, ips []string) (UploadRequest, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadRequest{}, nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	return UploadRequest{IPs: ips, FileName: filepath.Base(path), File: f}, f, nil
}

// UploadCopy streams a file to the backend, which copies it to every target
func (c *Client) UploadCopy(ctx context.Context, req UploadRequest) (Outcome, error) {
	ips, err := json.Marshal(req.IPs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ips: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(mw, req, string(ips)))
	}()

	env, err := c.do(ctx, http.MethodPost, uploadCopyPath, mw.FormDataContentType(), pr)
	// unblock the writer if the request ended before consuming the body
	pr.Close()
	if err != nil {
		return nil, err
	}
	return decodeTransfer(env, req.IPs)
}

func writeUploadForm(mw *multipart.Writer, req UploadRequest, ips string) error {
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, req.File); err != nil {
		return err
	}

	fields := [][2]string{
		{"ips", ips},
		{"destDir", req.DestDir},
		{"owner", req.Owner},
		{"group", req.Group},
	}
	for _, f := range fields {
		if f[1] == "" && f[0] != "ips" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	return mw.Close()
}

// Source is the VM a file is copied from
type Source struct {
	IP       string `json:"ip"`
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port"`
	Path     string `json:"path"`
}

// CopyFromVMRequest is the body of a copy-from-vm operation
type CopyFromVMRequest struct {
	IPs     []string `json:"ips"`
	Source  Source   `json:"source"`
	DestDir string   `json:"destDir,omitempty"`
	Owner   string   `json:"owner,omitempty"`
	Group   string   `json:"group,omitempty"`
}

// CopyFromVM asks the backend to copy a file from a source VM to every target
func (c *Client) CopyFromVM(ctx context.Context, req CopyFromVMRequest) (Outcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode copy request: %w", err)
	}

	env, err := c.do(ctx, http.MethodPost, copyFromVMPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return decodeTransfer(env, req.IPs)
}

// do sends one request and decodes the JSON envelope. HTTP status codes are
// not inspected; the body's ok field decides success.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*envelope, error) {
	requestID := uuid.NewString()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(ctx.Err())
		}
		c.logger.LogTransportError(requestID, path, err)
		return nil, errors.NewTransportError(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(ctx.Err())
		}
		err = fmt.Errorf("invalid response (HTTP %d): %w", resp.StatusCode, err)
		c.logger.LogTransportError(requestID, path, err)
		return nil, errors.NewTransportError(err)
	}

	c.logger.LogRequest(requestID, method, path, resp.StatusCode, time.Since(start))
	return &env, nil
}
