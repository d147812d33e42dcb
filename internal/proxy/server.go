package proxy

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/adapters"
	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/usage"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Default dispatch limits.
const (
	// DefaultTotalTimeout bounds one upstream call end to end.
	DefaultTotalTimeout = 120 * time.Second
	// DefaultTTFBTimeout bounds the wait for upstream response headers.
	DefaultTTFBTimeout = 30 * time.Second
	// DefaultMaxInFlight bounds concurrent upstream dispatches per listener.
	DefaultMaxInFlight = 256
)

// Options tune one proxy listener.
type Options struct {
	TotalTimeout time.Duration // Upstream total deadline.
	TTFBTimeout  time.Duration // Upstream time-to-first-byte deadline.
	MaxInFlight  int           // Concurrent upstream dispatch bound.
}

// Server is one proxy listener (general or special). Both share identical
// handler logic parameterized by the endpoint kind.
type Server struct {
	kind     catalog.EndpointKind
	store    *catalog.Store
	registry *adapters.Registry
	recorder *usage.Recorder
	db       *gorm.DB

	client       *http.Client
	totalTimeout time.Duration

	sem      chan struct{}
	inFlight atomic.Int64
}

// NewServer constructs a proxy listener for the given endpoint kind.
func NewServer(kind catalog.EndpointKind, store *catalog.Store, registry *adapters.Registry, recorder *usage.Recorder, db *gorm.DB, opts Options) *Server {
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = DefaultTotalTimeout
	}
	if opts.TTFBTimeout <= 0 {
		opts.TTFBTimeout = DefaultTTFBTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: opts.TTFBTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Server{
		kind:         kind,
		store:        store,
		registry:     registry,
		recorder:     recorder,
		db:           db,
		client:       &http.Client{Transport: transport},
		totalTimeout: opts.TotalTimeout,
		sem:          make(chan struct{}, opts.MaxInFlight),
	}
}

// Kind returns the endpoint kind this listener serves.
func (s *Server) Kind() catalog.EndpointKind {
	return s.kind
}

// InFlight returns the number of requests currently dispatched upstream.
func (s *Server) InFlight() int64 {
	return s.inFlight.Load()
}

// Router assembles the gin engine for this listener.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	v1 := engine.Group("/v1")
	v1.GET("/models", s.handleListModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/completions", s.handleCompletions)
	return engine
}
