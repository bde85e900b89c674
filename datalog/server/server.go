// Package server exposes an engine over a websocket. Clients declare
// attributes, transact facts, advance time, register queries and receive
// the diffs of the queries they are interested in as they are produced.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/engine"
	"github.com/wbrown/janus-dataflow/datalog/sources"
	"github.com/wbrown/janus-dataflow/datalog/storage"
)

// Server owns an engine, its optional journal and the HTTP surface
type Server struct {
	cfg     Config
	logger  *zap.Logger
	engine  *engine.Engine
	journal *storage.BadgerJournal
	metrics *Metrics
	handler annotations.Handler

	registry *prometheus.Registry
	router   *mux.Router
	upgrader websocket.Upgrader

	// canceled on Close; hijacked connections are not tracked by
	// http.Server.Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup
}

// New builds a server and its engine. With cfg.Journal set, the journal
// is opened and replayed before New returns.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)
	handler := annotations.Fanout(annotations.ZapHandler(logger), metrics.Handler())

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   engine.New(cfg.EngineOptions(handler)),
		metrics:  metrics,
		handler:  handler,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Journal != "" {
		j, err := storage.Open(storage.Options{Path: cfg.Journal, SyncWrites: cfg.SyncJournal})
		if err != nil {
			s.engine.Close()
			return nil, err
		}
		n, err := s.engine.Recover(j)
		if err != nil {
			j.Close()
			s.engine.Close()
			return nil, err
		}
		s.journal = j
		logger.Info("journal recovered",
			zap.String("path", cfg.Journal),
			zap.Int("entries", n),
			zap.Uint64("frontier", uint64(s.engine.Frontier())))
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/ws", s.handleWebsocket).Methods("GET").Name("Websocket")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET").Name("Health")
	s.router.HandleFunc("/queries", s.handleQueries).Methods("GET").Name("Queries")
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	return s, nil
}

// Engine returns the served engine
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured port until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("serving", zap.String("addr", ln.Addr().String()), zap.Int("workers", s.engine.Workers()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// Close drops every connection, then stops the engine and closes the
// journal. Closing twice is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conns.Wait()
	err := s.engine.Close()
	if s.journal != nil {
		err = errors.Join(err, s.journal.Close())
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"queries":  s.engine.Queries(),
		"frontier": s.engine.Frontier(),
	}); err != nil {
		s.logger.Debug("write queries", zap.Error(err))
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, datalog.ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	c := &conn{
		s:    s,
		ws:   ws,
		out:  make(chan Message, 64),
		subs: make(map[string]*engine.Subscription),
	}
	log := s.logger.With(zap.String("remote", r.RemoteAddr))
	log.Debug("connection opened")
	if err := c.run(s.ctx); err != nil {
		log.Debug("connection closed", zap.Error(err))
	}
}

// handle applies one request. after, when set, runs once the reply has
// been queued.
func (s *Server) handle(ctx context.Context, c *conn, req *Request) (reply Message, after func()) {
	reply = Message{Type: TypeAck, ID: req.ID}
	err := func() error {
		switch req.Op {
		case OpDeclare:
			card, err := datalog.ParseCardinality(req.Cardinality)
			if err != nil {
				return err
			}
			typ, err := datalog.ParseValueType(req.Type)
			if err != nil {
				return err
			}
			return s.engine.DeclareAttribute(datalog.AttributeFromKeyword(req.Name), card, typ)

		case OpTransact:
			t, err := req.time()
			if err != nil {
				return err
			}
			facts := make([]datalog.Fact, len(req.Facts))
			for i, f := range req.Facts {
				facts[i] = f.fact()
			}
			return s.engine.Ingest(facts, t)

		case OpAdvance:
			t, err := req.time()
			if err != nil {
				return err
			}
			return s.engine.Advance(t)

		case OpRegister:
			return s.engine.Register(req.Name, req.Query)

		case OpUnregister:
			return s.engine.Unregister(req.Name)

		case OpInterest:
			sub, err := c.subscribe(req.Name)
			if err != nil || sub == nil {
				return err
			}
			after = func() { c.g.Go(func() error { return c.forward(ctx, sub) }) }
			return nil

		case OpUninterest:
			c.unsubscribe(req.Name)
			return nil

		case OpSource:
			t, err := req.time()
			if err != nil {
				return err
			}
			src := &sources.JSONLines{Path: req.Path, Base: req.Base}
			if len(req.Attributes) > 0 {
				src.Attributes = make(map[string]datalog.Attribute, len(req.Attributes))
				for key, a := range req.Attributes {
					src.Attributes[key] = datalog.AttributeFromKeyword(a)
				}
			}
			n, err := sources.Load(ctx, s.engine, s.engine, t, s.handler, src)
			reply.Facts = n
			return err

		case OpResult:
			r, err := s.engine.Result(req.Name)
			if err != nil {
				return err
			}
			reply = resultMessage(req.ID, r)
			return nil
		}
		return fmt.Errorf("unknown op %q", req.Op)
	}()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		reply = Message{Type: TypeError, ID: req.ID, Error: err.Error()}
		after = nil
	}
	s.metrics.RequestsHandled.WithLabelValues(req.Op, outcome).Inc()
	return reply, after
}

// conn is one websocket client. Only the write pump writes to ws.
type conn struct {
	s   *Server
	ws  *websocket.Conn
	out chan Message
	g   *errgroup.Group

	mu   sync.Mutex
	subs map[string]*engine.Subscription
}

// run pumps requests and messages until the client goes away or ctx is
// canceled. A clean close from the client returns nil.
func (c *conn) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c.g = g
	g.Go(func() error { return c.writePump(ctx) })
	g.Go(func() error { return c.readPump(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		c.closeSubscriptions()
		return c.ws.Close()
	})
	err := g.Wait()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *conn) readPump(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var req Request
		var reply Message
		var after func()
		if err := json.Unmarshal(data, &req); err != nil {
			reply = Message{Type: TypeError, Error: fmt.Sprintf("invalid request: %v", err)}
		} else {
			reply, after = c.s.handle(ctx, c, &req)
		}
		if !c.send(ctx, reply) {
			return ctx.Err()
		}
		if after != nil {
			after()
		}
	}
}

func (c *conn) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout)); err != nil {
				return err
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}

func (c *conn) send(ctx context.Context, msg Message) bool {
	select {
	case c.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// subscribe returns nil when the connection is already interested
func (c *conn) subscribe(query string) (*engine.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[query]; ok {
		return nil, nil
	}
	sub, err := c.s.engine.Subscribe(query)
	if err != nil {
		return nil, err
	}
	c.subs[query] = sub
	return sub, nil
}

func (c *conn) unsubscribe(query string) {
	c.mu.Lock()
	sub, ok := c.subs[query]
	delete(c.subs, query)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *conn) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*engine.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// forward pushes a subscription's diffs to the client. When the stream
// ends the client gets a closed message carrying the query's failure,
// if any.
func (c *conn) forward(ctx context.Context, sub *engine.Subscription) error {
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.mu.Lock()
			if c.subs[sub.Query()] == sub {
				delete(c.subs, sub.Query())
			}
			c.mu.Unlock()

			msg := Message{Type: TypeClosed, Query: sub.Query()}
			if !errors.Is(err, engine.ErrSubscriptionClosed) {
				msg.Error = err.Error()
			}
			c.send(ctx, msg)
			return nil
		}
		if !c.send(ctx, diffMessage(d)) {
			return nil
		}
	}
}
