// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/eventwallet/eventwallet/errs"
	"github.com/stretchr/testify/require"
)

// fakeIndexer serves the subset of the indexer API the client uses.
type fakeIndexer struct {
	mu    sync.Mutex
	hooks map[string]HookRequest
	auth  []string
	fail  bool
}

func newFakeIndexer(t *testing.T) (*fakeIndexer, *Client) {
	t.Helper()

	f := &fakeIndexer{hooks: make(map[string]HookRequest)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/btc/test3", func(w http.ResponseWriter,
		r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()

		f.auth = append(f.auth, r.Header.Get("Authorization"))
		if f.fail {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"name":              "BTC.test3",
			"low_fee_per_kb":    2000,
			"medium_fee_per_kb": 10500,
			"high_fee_per_kb":   30000,
		})
	})
	mux.HandleFunc("/v1/btc/test3/hooks", func(w http.ResponseWriter,
		r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()

		f.auth = append(f.auth, r.Header.Get("Authorization"))
		var req HookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if f.fail {
			http.Error(w, "limit reached", http.StatusTooManyRequests)
			return
		}
		id := "hook-" + req.Address
		f.hooks[id] = req
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Hook{
			ID:      id,
			Event:   req.Event,
			Address: req.Address,
			URL:     req.URL,
		})
	})
	mux.HandleFunc("/v1/btc/test3/hooks/", func(w http.ResponseWriter,
		r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()

		id := r.URL.Path[len("/v1/btc/test3/hooks/"):]
		if r.Method != http.MethodDelete {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if _, ok := f.hooks[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.hooks, id)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:           srv.URL + "/v1/btc/test3/",
		Token:             "secret-token",
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	return f, c
}

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"", "not a url", "/relative"} {
		_, err := New(Config{BaseURL: base})
		require.True(t, errs.Is(err, errs.ErrConfiguration), base)
	}
}

func TestHooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, c := newFakeIndexer(t)

	id, err := c.RegisterHook(ctx, "bcrt1qabc", "https://cb/x", 6)
	require.NoError(t, err)
	require.Equal(t, "hook-bcrt1qabc", id)
	f.mu.Lock()
	require.Equal(t, HookRequest{
		Event:         HookEvent,
		Address:       "bcrt1qabc",
		URL:           "https://cb/x",
		Confirmations: 6,
	}, f.hooks[id])
	require.Equal(t, []string{"Bearer secret-token"}, f.auth)
	f.mu.Unlock()

	require.NoError(t, c.DeleteHook(ctx, id))
	f.mu.Lock()
	require.Empty(t, f.hooks)
	f.mu.Unlock()

	// Deleting twice is not an error.
	require.NoError(t, c.DeleteHook(ctx, id))

	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()
	_, err = c.RegisterHook(ctx, "bcrt1qdef", "https://cb/y", 6)
	require.True(t, errs.Is(err, errs.ErrUpstream), err)
}

func TestFeeTiers(t *testing.T) {
	t.Parallel()

	f, c := newFakeIndexer(t)

	tiers, err := c.FeeTiers(context.Background())
	require.NoError(t, err)
	require.Equal(t, &FeeTiers{
		LowPerKB:    2000,
		MediumPerKB: 10500,
		HighPerKB:   30000,
	}, tiers)

	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()
	_, err = c.FeeTiers(context.Background())
	require.True(t, errs.Is(err, errs.ErrUpstream), err)
}

func TestFeeTiersFractional(t *testing.T) {
	t.Parallel()

	var tiers FeeTiers
	err := json.Unmarshal([]byte(`{"low_fee_per_kb": 1000.2, `+
		`"medium_fee_per_kb": "2500", "high_fee_per_kb": 9999.999}`),
		&tiers)
	require.NoError(t, err)
	require.Equal(t, FeeTiers{
		LowPerKB:    1001,
		MediumPerKB: 2500,
		HighPerKB:   10000,
	}, tiers)

	require.Error(t, json.Unmarshal([]byte(`{"low_fee_per_kb": "x"}`),
		&tiers))
}

func TestPaidTo(t *testing.T) {
	t.Parallel()

	p := &TxPayload{
		Outputs: []TxOutput{
			{Value: 1, Addresses: []string{"a"}},
			{Value: 2, Addresses: []string{"b"}},
			{Value: 3, Addresses: []string{"a", "c"}},
			{Value: 4},
		},
	}
	require.Equal(t, []int{0, 2}, p.PaidTo("a"))
	require.Nil(t, p.PaidTo("z"))
}
