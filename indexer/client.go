// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package indexer is a client for the hosted blockchain indexer that
// notifies the daemon about payments and publishes fee estimates.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eventwallet/eventwallet/errs"
	"golang.org/x/time/rate"
)

const (
	// responseSizeLimit bounds the bodies read from the indexer.
	responseSizeLimit = 1 << 20

	// DefaultRequestsPerSecond matches the free tier of common hosted
	// indexers.
	DefaultRequestsPerSecond = 3

	defaultTimeout = 30 * time.Second
)

// Config holds the parameters of a Client.
type Config struct {
	// BaseURL is the chain endpoint, for example
	// https://api.blockcypher.com/v1/btc/test3.
	BaseURL string

	// Token is sent as a bearer token with every request.
	Token string

	// RequestsPerSecond limits the request rate.  Zero selects
	// DefaultRequestsPerSecond.
	RequestsPerSecond float64

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
}

// Client talks to the indexer.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// New returns a Client.  It fails with errs.ErrConfiguration on a missing
// or malformed base URL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errs.Errorf(errs.ErrConfiguration,
			"indexer base URL is not configured")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.Errorf(errs.ErrConfiguration,
			"invalid indexer base URL %q", cfg.BaseURL)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		base:    base,
		token:   cfg.Token,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// RegisterHook asks the indexer to post transactions paying address to
// callbackURL until they reach confirmations.  It returns the hook id.
func (c *Client) RegisterHook(ctx context.Context, address, callbackURL string,
	confirmations int32) (string, error) {

	req := &HookRequest{
		Event:         HookEvent,
		Address:       address,
		URL:           callbackURL,
		Confirmations: confirmations,
	}
	var hook Hook
	err := c.do(ctx, http.MethodPost, "hooks", req, &hook)
	if err != nil {
		return "", err
	}
	if hook.ID == "" {
		return "", errs.Errorf(errs.ErrUpstream,
			"indexer returned a hook without id")
	}

	log.Infof("Registered hook %s for %s", hook.ID, address)
	return hook.ID, nil
}

// DeleteHook removes a hook.  Deleting a hook the indexer no longer knows
// succeeds.
func (c *Client) DeleteHook(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "hooks/"+id, nil, nil)
	if errs.Is(err, errs.ErrNotFound) {
		log.Debugf("Hook %s already gone", id)
		return nil
	}
	if err != nil {
		return err
	}

	log.Infof("Deleted hook %s", id)
	return nil
}

// FeeTiers fetches the current fee estimates.
func (c *Client) FeeTiers(ctx context.Context) (*FeeTiers, error) {
	var tiers FeeTiers
	if err := c.do(ctx, http.MethodGet, "", nil, &tiers); err != nil {
		return nil, err
	}
	if tiers.LowPerKB <= 0 || tiers.MediumPerKB <= 0 ||
		tiers.HighPerKB <= 0 {

		return nil, errs.Errorf(errs.ErrUpstream,
			"indexer returned incomplete fee tiers %+v", tiers)
	}
	return &tiers, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	if path != "" {
		u.Path = u.Path + "/" + path
	}
	return u.String()
}

// do performs one rate limited request.  A non-nil in is sent as JSON and
// a non-nil out receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, in,
	out interface{}) error {

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.endpoint(path), body,
	)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.E(errs.ErrUpstream, method+" "+path, err)
	}
	defer resp.Body.Close()

	reader := io.LimitReader(resp.Body, responseSizeLimit)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.Errorf(errs.ErrNotFound, "indexer: %s %s: %s",
			method, path, resp.Status)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(reader)
		return errs.Errorf(errs.ErrUpstream, "indexer: %s %s: %s: %s",
			method, path, resp.Status,
			strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return errs.E(errs.ErrUpstream, "decode indexer response", err)
	}
	return nil
}
