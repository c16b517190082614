// Package api exposes the engine's control surface: order entry, trade
// inspection, premium history, and a websocket event stream.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"arb-core/internal/breaker"
	"arb-core/internal/events"
	"arb-core/internal/executor"
	"arb-core/internal/quote"
	"arb-core/internal/session"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// Server wires HTTP endpoints around the engine services.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Series    *db.SeriesStore
	Sessions  *session.Manager
	Quotes    *quote.Service
	Sampler   *quote.Sampler
	Exec      *executor.Executor
	Breaker   *breaker.Tracker
	JWTSecret string

	pairs        map[string]config.Pair
	passwordHash string
}

// Deps collects the services the server exposes.
type Deps struct {
	Bus      *events.Bus
	DB       *db.Database
	Series   *db.SeriesStore
	Sessions *session.Manager
	Quotes   *quote.Service
	Sampler  *quote.Sampler
	Exec     *executor.Executor
	Breaker  *breaker.Tracker
	Pairs    []config.Pair

	JWTSecret   string
	APIPassword string
}

// NewServer builds the router and middleware stack.
func NewServer(d Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware()) // CORS (last before routes)

	byID := make(map[string]config.Pair, len(d.Pairs))
	for _, p := range d.Pairs {
		byID[p.ID] = p
	}

	passwordHash := ""
	if d.APIPassword != "" {
		h, err := hashPassword(d.APIPassword)
		if err != nil {
			log.Printf("api: hash operator password: %v", err)
		} else {
			passwordHash = h
		}
	}

	s := &Server{
		Router:       r,
		Bus:          d.Bus,
		DB:           d.DB,
		Series:       d.Series,
		Sessions:     d.Sessions,
		Quotes:       d.Quotes,
		Sampler:      d.Sampler,
		Exec:         d.Exec,
		Breaker:      d.Breaker,
		JWTSecret:    d.JWTSecret,
		pairs:        byID,
		passwordHash: passwordHash,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		auth := api.Group("/auth")
		{
			auth.POST("/login", s.login)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/pairs", s.getPairs)

			protected.GET("/orders", s.getOrders)
			protected.POST("/orders", s.createOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)

			protected.GET("/trades", s.getActiveTrades)
			protected.GET("/trades/closed", s.getClosedTrades)
			protected.POST("/trades/:id/close", s.closeTrade)
			protected.GET("/orphans", s.getOrphanLegs)

			protected.GET("/premium/:pairId", s.getPremium)
			protected.GET("/premium/:pairId/history", s.getPremiumHistory)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
