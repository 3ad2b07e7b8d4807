// Package rpc serves the relay over HTTP: header submissions, chain queries,
// claims and a websocket stream of relay events. Request and response
// bodies carry the relay's binary formats as hex strings.
package rpc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/claim"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/libs/log"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
)

const (
	headerRequestID = "X-Request-ID"
	requestIDKey    = "request_id"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type Server struct {
	relay   *node.Relay
	claims  map[string]claim.Handler
	origins []string
	logger  log.Logger

	engine   *gin.Engine
	handler  http.Handler
	upgrader websocket.Upgrader
}

// NewServer builds the API over relay. Claim handlers are routed by Name.
func NewServer(relay *node.Relay, claims []claim.Handler, cfg node.RPCConfig, logger log.Logger) *Server {
	s := &Server{
		relay:   relay,
		claims:  make(map[string]claim.Handler, len(claims)),
		origins: node.NormalizeOrigins(cfg.CORSAllowedOrigins...),
		logger:  logger.With("module", "rpc"),
		engine:  gin.New(),
	}
	for _, h := range claims {
		s.claims[h.Name()] = h
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.engine.Use(gin.Recovery(), requestID(), s.logRequests())
	s.routes()

	s.handler = s.engine
	if len(s.origins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", headerRequestID},
			ExposedHeaders: []string{headerRequestID},
		}).Handler(s.engine)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/tip", s.handleTip)
		v1.GET("/headers/:height", s.handleHeaderAt)
		v1.GET("/archive/:commitment", s.handleArchive)
		v1.POST("/verify", s.handleVerify)

		v1.POST("/submit/main", s.handleSubmitMain)
		v1.POST("/submit/fork", s.handleSubmitShortFork)
		v1.POST("/submit/fork/:id", s.handleSubmitLongFork)
		v1.GET("/forks/:id", s.handleGetFork)
		v1.DELETE("/forks/:id", s.handleAbandonFork)

		v1.POST("/claims/:kind", s.handleClaim)
		v1.GET("/events", s.handleEvents)
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(requestIDKey))
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Serve runs h on addr until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger log.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: readHeaderTimeout}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
