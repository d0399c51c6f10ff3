// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package webhookrpc serves the endpoint the indexer posts transaction
// notifications to, along with the health and metrics endpoints.
package webhookrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/indexer"
	"github.com/eventwallet/eventwallet/internal/metrics"
	"github.com/eventwallet/eventwallet/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// requestTimeout bounds reading a request and writing its response.
	requestTimeout = 10 * time.Second

	// shutdownTimeout is how long Stop waits for in-flight deliveries.
	shutdownTimeout = 15 * time.Second

	urlIDParam = "urlID"
)

// Response statuses.  The body never carries more than the status, so
// internal state does not leak to the sender.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// NotificationHandler reconciles deliveries.  It is implemented by
// webhook.Reconciler.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, urlID string,
		p *indexer.TxPayload) (webhook.Outcome, error)
}

// Options contains the options of the webhook server.
type Options struct {
	// MaxClients is the number of deliveries processed concurrently.
	// Senders over the limit are answered with 429.
	MaxClients int64

	// MaxBodyBytes caps the size of a delivery.
	MaxBodyBytes int64
}

// Server is the webhook HTTP server.
type Server struct {
	httpServer http.Server
	handler    NotificationHandler
	opts       Options
	listeners  []net.Listener

	wg      sync.WaitGroup
	quit    chan struct{}
	quitMtx sync.Mutex
}

// NewServer creates the server and starts serving on every listener.
func NewServer(opts *Options, handler NotificationHandler,
	listeners []net.Listener) *Server {

	router := chi.NewRouter()
	s := &Server{
		httpServer: http.Server{
			Handler: router,

			// Slow senders must not hold connections open.
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout,
		},
		handler:   handler,
		opts:      *opts,
		listeners: listeners,
		quit:      make(chan struct{}),
	}

	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())
	router.With(throttle(opts.MaxClients)).Post(
		webhook.ReceivePath+"{"+urlIDParam+"}", s.receive,
	)

	for _, lis := range listeners {
		s.serve(lis)
	}
	return s
}

// Handler returns the router of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// serve serves HTTP on lis.  It does not block on lis.Accept.
func (s *Server) serve(lis net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Infof("Listening on %s", lis.Addr())
		err := s.httpServer.Serve(lis)
		log.Tracef("Finished serving webhooks: %v", err)
	}()
}

// Stop stops accepting deliveries and waits for the ones in flight.
func (s *Server) Stop() {
	s.quitMtx.Lock()
	select {
	case <-s.quit:
		s.quitMtx.Unlock()
		return
	default:
	}
	close(s.quit)
	s.quitMtx.Unlock()

	ctx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("Webhook server shutdown: %v", err)
	}

	s.wg.Wait()
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{status})
	if err != nil {
		log.Errorf("Unable to write response: %v", err)
	}
}

// receive handles POST /webhook/receive/{urlID}.  Stale, duplicate and
// unknown deliveries are accepted so the sender stops redelivering them.
// Internal failures answer 500 so the sender tries again.
func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	urlID := chi.URLParam(r, urlIDParam)

	body := r.Body
	if s.opts.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	}

	var payload indexer.TxPayload
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		log.Debugf("Malformed delivery for %s: %v", urlID, err)
		writeStatus(w, http.StatusBadRequest, StatusRejected)
		return
	}

	outcome, err := s.handler.HandleNotification(r.Context(), urlID, &payload)
	switch {
	case errs.Is(err, errs.ErrInvalidArgument):
		log.Debugf("Rejected delivery for %s: %v", urlID, err)
		writeStatus(w, http.StatusBadRequest, StatusRejected)

	case errors.Is(err, context.Canceled):
		log.Debugf("Delivery for %s abandoned by sender", urlID)
		writeStatus(w, http.StatusServiceUnavailable, StatusFailed)

	case err != nil:
		log.Errorf("Delivery for %s failed: %v", urlID, err)
		writeStatus(w, http.StatusInternalServerError, StatusFailed)

	default:
		log.Debugf("Delivery for %s: %s", urlID, outcome)
		writeStatus(w, http.StatusOK, StatusAccepted)
	}
}

// throttle limits the number of concurrently handled requests, answering
// 429 once the threshold is crossed.  A threshold below one disables it.
func throttle(threshold int64) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		if threshold < 1 {
			return h
		}

		var active int64
		return http.HandlerFunc(func(w http.ResponseWriter,
			r *http.Request) {

			current := atomic.AddInt64(&active, 1)
			defer atomic.AddInt64(&active, -1)

			if current-1 >= threshold {
				log.Warnf("Reached threshold of %d concurrent "+
					"deliveries", threshold)
				writeStatus(w, http.StatusTooManyRequests,
					StatusFailed)
				return
			}

			h.ServeHTTP(w, r)
		})
	}
}
