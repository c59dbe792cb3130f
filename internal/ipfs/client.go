// Package ipfs talks to a kubo node over its RPC API and verifies that
// content matches the CID it was requested under.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

var (
	// ErrNotFound is returned when the node reports that the CID cannot be
	// resolved.
	ErrNotFound = errors.New("ipfs: content not found")
	// ErrTooLarge is returned when the content exceeds Config.MaxSize.
	ErrTooLarge = errors.New("ipfs: content too large")
)

type Config struct {
	// APIURL is the kubo RPC endpoint, e.g. http://127.0.0.1:5001.
	APIURL string
	// Timeout bounds a single RPC call.
	Timeout time.Duration
	// MaxSize bounds the content returned by Cat. Zero disables the check.
	MaxSize    int64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base    *url.URL
	timeout time.Duration
	maxSize int64
	http    *http.Client
	log     *slog.Logger
}

func New(config Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ipfs api url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ipfs api url %q needs scheme and host", config.APIURL)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &Client{
		base:    base,
		timeout: config.Timeout,
		maxSize: config.MaxSize,
		http:    config.HTTPClient,
		log:     logging.OrDiscard(config.Logger),
	}, nil
}

// rpcError is the body kubo sends with non-200 responses.
type rpcError struct {
	Message string
	Code    int
	Type    string
}

func (c *Client) endpoint(cmd string, query url.Values) string {
	u := *c.base
	u.Path += "/api/v0/" + cmd
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Cat returns the content of a CID. It performs exactly one request;
// retries are the caller's business.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := url.Values{"arg": {cid}}
	if c.maxSize > 0 {
		query.Set("length", strconv.FormatInt(c.maxSize+1, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("cat", query), nil)
	if err != nil {
		return nil, fmt.Errorf("build cat request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cat %s: %w", cid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp, cid)
	}

	body := io.Reader(resp.Body)
	if c.maxSize > 0 {
		body = io.LimitReader(resp.Body, c.maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cid, err)
	}
	if c.maxSize > 0 && int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, cid, c.maxSize)
	}
	return data, nil
}

func (c *Client) decodeError(resp *http.Response, cid string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var rpcErr rpcError
	if err := json.Unmarshal(raw, &rpcErr); err != nil || rpcErr.Message == "" {
		return fmt.Errorf("cat %s: status %d: %s", cid, resp.StatusCode, bytes.TrimSpace(raw))
	}
	msg := strings.ToLower(rpcErr.Message)
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no link named") {
		return fmt.Errorf("%w: %s: %s", ErrNotFound, cid, rpcErr.Message)
	}
	return fmt.Errorf("cat %s: %s", cid, rpcErr.Message)
}

type addResponse struct {
	Name string
	Hash string
	Size string
}

// Add pins data on the node and returns its CID. Version 0 yields Qm...
// identifiers, version 1 dag-pb bafy... identifiers.
func (c *Client) Add(ctx context.Context, data []byte, cidVersion int) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}

	query := url.Values{
		"cid-version": {strconv.Itoa(cidVersion)},
		"raw-leaves":  {"false"},
		"pin":         {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("add", query), &body)
	if err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", fmt.Errorf("add: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	// kubo streams one JSON object per added entry; the last is the root.
	var last addResponse
	dec := json.NewDecoder(resp.Body)
	for {
		var r addResponse
		if err := dec.Decode(&r); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return "", fmt.Errorf("decode add response: %w", err)
		}
		last = r
	}
	if last.Hash == "" {
		return "", errors.New("add: empty response")
	}

	c.log.Debug("added content to ipfs", "cid", last.Hash, "size", len(data))
	return last.Hash, nil
}

// Ping checks that the node answers RPC calls.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("version", nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ipfs version: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ipfs version: status %d", resp.StatusCode)
	}
	return nil
}
