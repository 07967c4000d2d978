package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/apcore/activitypub"
	"github.com/deemkeen/apcore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server serves the federation endpoints of one Federation.
type Server struct {
	fed      *activitypub.Federation
	conf     *util.AppConfig
	gatherer prometheus.Gatherer
	log      *zap.Logger

	globalLimiter *RateLimiter
	apLimiter     *RateLimiter
}

// NewServer builds the server. gatherer backs /metrics; nil leaves the route out.
func NewServer(fed *activitypub.Federation, conf *util.AppConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return &Server{
		fed:      fed,
		conf:     conf,
		gatherer: gatherer,
		log:      logger.Named("web"),
		// 10 requests per second per IP, burst of 20
		globalLimiter: NewRateLimiter(rate.Limit(10), 20),
		// inboxes get a stricter budget
		apLimiter: NewRateLimiter(rate.Limit(5), 10),
	}
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), ZapLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	g.Use(RateLimitMiddleware(s.globalLimiter))

	inboxLimits := []gin.HandlerFunc{RateLimitMiddleware(s.apLimiter), MaxBytesMiddleware(maxInboxBody)}

	g.GET("/.well-known/webfinger", s.handleWebfinger)

	g.GET("/users/:actor", s.handleActor)
	g.GET("/users/:actor/inbox", s.handleInboxCollection)
	g.GET("/users/:actor/outbox", s.handleOutboxCollection)
	g.GET("/users/:actor/followers", s.handleFollowersCollection)
	g.GET("/activities/:id", s.handleActivity)

	g.POST("/inbox", append(inboxLimits, s.handleSharedInbox)...)
	g.POST("/users/:actor/inbox", append(inboxLimits, s.handleActorInbox)...)

	if s.gatherer != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return g
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: requestTimeout,
		ReadTimeout:       requestTimeout,
	}

	go s.globalLimiter.Run(ctx)
	go s.apLimiter.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP shutdown", zap.Error(err))
		}
	}()

	s.log.Info("Starting HTTP server", zap.String("addr", addr), zap.String("domain", s.conf.Conf.SslDomain))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
