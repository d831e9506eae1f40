// Package server exposes the dispatch engine over HTTP: shift operations,
// the inbound reply webhook, audit queries, and a websocket feed that
// streams audit entries to dashboard clients in real time.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/dispatch"
)

// MaxClients bounds concurrent websocket connections.
const MaxClients = 64

// Server is the Caretide HTTP/websocket front end.
type Server struct {
	engine *dispatch.Engine
	cfg    config.ServerConfig
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*Client]bool

	entryFeed      chan audit.Entry
	broadcastDrops atomic.Int64

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(engine *dispatch.Engine, cfg config.ServerConfig, logger *zap.SugaredLogger) *Server {
	s := &Server{
		engine:    engine,
		cfg:       cfg,
		logger:    logger.Named("server"),
		clients:   make(map[*Client]bool),
		entryFeed: make(chan audit.Entry, 256),
	}
	// Audit appends happen on shift worker goroutines; the callback only
	// enqueues so it can never block dispatch.
	engine.Audits().Subscribe(s.enqueueEntry)
	return s
}

// Start begins serving. It returns once the listener is up; the HTTP server
// runs until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Minute,
	}

	s.wg.Add(1)
	go s.runBroadcaster()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("HTTP server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown drains clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	s.logger.Info("HTTP server shut down")
	return err
}

func (s *Server) registerClient(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= MaxClients {
		s.logger.Warnw("Max websocket clients reached, rejecting connection",
			"client_id", client.id, "max_clients", MaxClients)
		return false
	}
	s.clients[client] = true
	s.logger.Infow("Websocket client connected",
		"client_id", client.id, "total_clients", len(s.clients))
	return true
}

func (s *Server) unregisterClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		s.logger.Infow("Websocket client disconnected",
			"client_id", client.id, "total_clients", len(s.clients))
	}
	s.mu.Unlock()
	client.close()
}
