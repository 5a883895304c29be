// Package backend is the HTTP client for the tracker backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/registry"
	"github.com/chaz8081/beacon-tracker/internal/telemetry"
)

// Backend routes.
const (
	PathLink      = "/link"
	PathMajor     = "/majorGivenUID/"
	PathNextMinor = "/getNextMinor/"
	PathPings     = "/devices/pings"
	PathDevices   = "/devices"
	PathDeleteDev = "/deleteDevice/"
)

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("backend: %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// Client talks JSON to the backend.
type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for baseURL. A zero timeout leaves requests bounded
// only by their context.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parsing url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: url %q: scheme must be http or https", baseURL)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

// User is a linked backend account.
type User struct {
	UID   string `json:"uid"`
	Major int    `json:"major"`
}

type uidRequest struct {
	UID string `json:"uid"`
}

// Link registers uid with the backend, returning the account with its
// assigned major. Linking an existing account returns it unchanged.
func (c *Client) Link(ctx context.Context, uid string) (User, error) {
	var u User
	err := c.do(ctx, http.MethodPost, PathLink, uidRequest{UID: uid}, &u)
	return u, err
}

// MajorForUser returns the major assigned to uid.
func (c *Client) MajorForUser(ctx context.Context, uid string) (uint16, error) {
	var resp struct {
		Major int `json:"major"`
	}
	if err := c.do(ctx, http.MethodPost, PathMajor, uidRequest{UID: uid}, &resp); err != nil {
		return 0, err
	}
	if resp.Major < 0 || resp.Major > 0xFFFF {
		return 0, fmt.Errorf("backend: major %d out of range", resp.Major)
	}
	return uint16(resp.Major), nil
}

// NextMinor asks the allocator for the next identity for uid.
func (c *Client) NextMinor(ctx context.Context, uid string) (beacon.Identity, error) {
	var resp struct {
		Major     int `json:"major"`
		NextMinor int `json:"nextMinor"`
	}
	if err := c.do(ctx, http.MethodPost, PathNextMinor, uidRequest{UID: uid}, &resp); err != nil {
		return beacon.Identity{}, err
	}
	if resp.Major < 0 || resp.Major > 0xFFFF || resp.NextMinor < 0 || resp.NextMinor > 0xFFFF {
		return beacon.Identity{}, fmt.Errorf("backend: allocated identity %d/%d out of range", resp.Major, resp.NextMinor)
	}
	return beacon.Identity{Major: uint16(resp.Major), Minor: uint16(resp.NextMinor)}, nil
}

// UploadPing posts a telemetry record.
func (c *Client) UploadPing(ctx context.Context, rec telemetry.Record) error {
	return c.do(ctx, http.MethodPost, PathPings, rec, nil)
}

// DeleteDevice removes the device advertising id.
func (c *Client) DeleteDevice(ctx context.Context, id beacon.Identity) error {
	id = id.Numeric()
	body := struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
	}{int(id.Major), int(id.Minor)}
	return c.do(ctx, http.MethodPost, PathDeleteDev, body, nil)
}

// ListDevices returns every device the backend knows.
func (c *Client) ListDevices(ctx context.Context) ([]registry.Device, error) {
	var wire []deviceJSON
	if err := c.do(ctx, http.MethodGet, PathDevices, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]registry.Device, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.device())
	}
	return out, nil
}

// CreateDevice registers d with the backend.
func (c *Client) CreateDevice(ctx context.Context, d registry.Device) error {
	return c.do(ctx, http.MethodPost, PathDevices, newDeviceJSON(d), nil)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encoding %s body: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
	if err != nil {
		return fmt.Errorf("backend: building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	slog.Debug("[BACKEND] request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decoding %s response: %w", path, err)
	}
	return nil
}
