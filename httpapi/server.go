// Package httpapi serves a jsonproc.Processor over HTTP and WebSocket.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/compressor"
	"go.uber.org/zap"
)

// DefaultMaxBodySize bounds the size of a request body or WebSocket frame.
const DefaultMaxBodySize = 1 << 20

// ErrBodyTooLarge is reported when a request exceeds the configured size.
var ErrBodyTooLarge = jsonproc.NewError(jsonproc.KindMalformedRequest, "request body too large")

// Health is the body of GET /healthz.
type Health struct {
	Initialized bool   `json:"initialized"`
	LastError   string `json:"last_error"`
}

// Server exposes the processor on a gin engine.
type Server struct {
	processor   *jsonproc.Processor
	engine      *gin.Engine
	upgrader    websocket.Upgrader
	gatherer    prometheus.Gatherer
	compressor  *compressor.Manager
	maxBodySize int64
	httpServer  *http.Server
	log         *zap.SugaredLogger
}

type Option func(s *Server)

// WithGatherer sets the registry served on /metrics. Defaults to
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		s.maxBodySize = n
	}
}

// WithCheckOrigin sets the origin check of WebSocket upgrades. By default
// only same-origin upgrades are accepted.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

// New creates the HTTP host of processor.
func New(processor *jsonproc.Processor, opts ...Option) *Server {
	s := &Server{
		processor:   processor,
		gatherer:    prometheus.DefaultGatherer,
		maxBodySize: DefaultMaxBodySize,
		log:         zap.S().With("module", "jsonproc.httpapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBodySize <= 0 {
		s.maxBodySize = DefaultMaxBodySize
	}
	s.compressor = compressor.NewManager(s.maxBodySize)

	engine := gin.New()
	engine.Use(gin.Recovery(), s.accessLog())

	engine.POST("/process", s.handleProcess)
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	engine.GET("/ws", s.handleWS)

	s.engine = engine
	return s
}

// Handler returns the http.Handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infof("Listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server started by ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s [%d] (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

// handleProcess answers with the envelope and HTTP 200 whatever the outcome.
// A Content-Encoding header selects how the body is decoded.
func (s *Server) handleProcess(c *gin.Context) {
	envelope, err := s.readRequest(c)
	if err != nil {
		envelope = s.processor.Envelope(err)
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(envelope))
}

func (s *Server) readRequest(c *gin.Context) (string, error) {
	encoding, err := compressor.ParseContentEncoding(c.GetHeader("Content-Encoding"))
	if err != nil {
		return "", jsonproc.WrapError(err, jsonproc.KindMalformedRequest, "Invalid payload")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBodySize+1))
	if err != nil {
		return "", jsonproc.WrapError(err, jsonproc.KindMalformedRequest, "Invalid payload")
	}
	if int64(len(body)) > s.maxBodySize {
		return "", ErrBodyTooLarge
	}

	body, err = s.compressor.Decompress(encoding, body)
	switch {
	case errors.Is(err, compressor.ErrPayloadTooLarge):
		return "", ErrBodyTooLarge
	case err != nil:
		return "", jsonproc.WrapError(err, jsonproc.KindMalformedRequest, "Invalid payload")
	}

	return s.processor.ProcessContext(c.Request.Context(), string(body)), nil
}

func (s *Server) handleHealth(c *gin.Context) {
	health := Health{
		Initialized: s.processor.IsInitialized(),
		LastError:   s.processor.LastError(),
	}

	status := http.StatusOK
	if !health.Initialized {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// handleWS answers every frame of a connection with one envelope frame, in
// the order the frames arrive.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Errorf("Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.maxBodySize)
	s.log.Infof("New connection from %s", c.Request.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnf("Read from %s: %v", c.Request.RemoteAddr, err)
			}
			return
		}

		envelope := s.processor.ProcessContext(c.Request.Context(), string(data))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(envelope)); err != nil {
			s.log.Errorf("Write to %s: %v", c.Request.RemoteAddr, err)
			return
		}
	}
}
