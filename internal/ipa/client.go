// Package ipa talks to the FreeIPA JSON-RPC API and adapts it to the
// backend writer contract.
package ipa

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/isometry/ipa-tuura/internal/logging"
)

// DefaultAPIVersion is sent with every command unless overridden.
const DefaultAPIVersion = "2.251"

// DefaultTimeout bounds a single JSON-RPC round trip.
const DefaultTimeout = 60 * time.Second

// Doer sends HTTP requests. *http.Client and *spnego.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a JSON-RPC client for one IPA server.
type Client struct {
	server   string
	baseURL  string
	version  string
	httpDoer Doer
}

// Option configures a Client.
type Option func(*Client)

// WithAPIVersion overrides the API version sent with each command.
func WithAPIVersion(version string) Option {
	return func(c *Client) {
		if version != "" {
			c.version = version
		}
	}
}

// WithHTTPClient sets the transport used for requests.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		c.httpDoer = d
	}
}

// WithBaseURL replaces https://<server>/ipa as the endpoint root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// NewClient creates a client for server. Without WithHTTPClient requests go
// out unauthenticated, which only ping tolerates.
func NewClient(server string, opts ...Option) *Client {
	c := &Client{
		server:   server,
		baseURL:  "https://" + server + "/ipa",
		version:  DefaultAPIVersion,
		httpDoer: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewKerberosClient creates a client that authenticates with SPNEGO as the
// principal holding krb, against the HTTP/<server> service.
func NewKerberosClient(server string, krb *krb5client.Client, tlsConfig *tls.Config, opts ...Option) *Client {
	httpClient := &http.Client{
		Timeout:   DefaultTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	spn := "HTTP/" + server
	opts = append([]Option{WithHTTPClient(spnego.NewClient(krb, httpClient, spn))}, opts...)
	return NewClient(server, opts...)
}

// Server returns the IPA server host name.
func (c *Client) Server() string {
	return c.server
}

type request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int    `json:"id"`
}

type response struct {
	Result    json.RawMessage `json:"result"`
	Error     *Error          `json:"error"`
	Principal string          `json:"principal"`
	Version   string          `json:"version"`
}

// Call runs one command and returns the raw "result" member of the reply.
// A server-side failure is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, args []any, options map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	opts := make(map[string]any, len(options)+1)
	maps.Copy(opts, options)
	opts["version"] = c.version

	payload, err := json.Marshal(request{Method: method, Params: []any{args, opts}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", c.baseURL)

	tflog.SubsystemDebug(ctx, logging.SubsystemIPA, "Calling IPA command", map[string]any{
		"method": method,
		"server": c.server,
	})

	resp, err := c.httpDoer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipa %s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	if decoded.Error != nil {
		decoded.Error.Method = method
		tflog.SubsystemDebug(ctx, logging.SubsystemIPA, "IPA command returned an error", map[string]any{
			"method": method,
			"code":   decoded.Error.Code,
			"name":   decoded.Error.Name,
		})
		return nil, decoded.Error
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	tflog.SubsystemTrace(ctx, logging.SubsystemIPA, "IPA command completed", map[string]any{
		"method":    method,
		"principal": decoded.Principal,
	})
	return decoded.Result, nil
}
