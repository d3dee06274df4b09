package serv

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dbfold/pgmux/core"
	"github.com/dbfold/pgmux/serv/internal/util"
)

var version string

const (
	serverName = "pgmux"
	defaultHP  = "0.0.0.0:8080"
)

// Service is the running HTTP service: one gateway, its connection pools
// and the server around them.
type Service struct {
	conf    *Config
	log     *zap.SugaredLogger
	zlog    *zap.Logger
	gateway *core.Gateway
	pools   map[string]*pgxpool.Pool
	srv     *http.Server
	closeFn func()

	// api holds the current gateway handler; a config reload swaps it
	// without restarting the listener
	api atomic.Value
}

// NewService loads everything needed to serve: logger, pools, metadata.
func NewService(conf *Config) (*Service, error) {
	s := &Service{conf: conf}

	if err := s.initConfig(); err != nil {
		return nil, err
	}
	s.initLogger()

	if err := s.initDBs(context.Background()); err != nil {
		return nil, err
	}
	if err := s.initGateway(context.Background()); err != nil {
		s.closePools()
		return nil, err
	}
	return s, nil
}

// initConfig normalizes the host and port settings.
func (s *Service) initConfig() error {
	c := s.conf

	hp := strings.SplitN(c.HostPort, ":", 2)
	if len(hp) == 2 {
		if c.Host != "" {
			hp[0] = c.Host
		}
		if c.Port != "" {
			hp[1] = c.Port
		}
		c.hostPort = fmt.Sprintf("%s:%s", hp[0], hp[1])
	}
	if c.hostPort == "" {
		c.hostPort = defaultHP
	}

	if len(c.Connections) == 0 {
		return errors.New("no database connections configured")
	}
	if c.Core.DefaultConnection == "" && len(c.Connections) > 1 {
		return errors.New("default_connection must name one of the configured connections")
	}
	return nil
}

func (s *Service) initLogger() {
	json := s.conf.LogFormat == "json" ||
		(s.conf.LogFormat != "simple" && s.conf.Production)
	s.zlog = util.NewLogger(json, s.conf.LogLevel)
	s.log = s.zlog.Sugar()
}

// initGateway builds the metadata table and the request engine.
func (s *Service) initGateway(ctx context.Context) error {
	cc := s.conf.Core
	cc.Logger = s.log
	s.installAuthHooks(&cc)

	dbs := make(map[string]core.DB, len(s.pools))
	for name, p := range s.pools {
		dbs[name] = p
	}

	g, err := core.New(ctx, cc, dbs)
	if err != nil {
		return errors.Wrap(err, "gateway init")
	}

	old := s.gateway
	s.gateway = g
	s.api.Store(s.authHandler(g.Handler()))
	if old != nil {
		old.Close()
	}
	return nil
}

// Start runs the service until interrupted.
func (s *Service) Start() {
	if s.conf.WatchAndReload && !s.conf.Production {
		s.initConfigWatcher()
	}
	s.startHTTP()
}

// initConfigWatcher restarts the gateway when the config file changes.
func (s *Service) initConfigWatcher() {
	go func() {
		if err := s.startConfigWatcher(); err != nil {
			s.log.Fatalf("error in config file watcher: %s", err)
		}
	}()
}

// startHTTP starts the HTTP server and blocks until shutdown.
func (s *Service) startHTTP() {
	routes, err := s.routesHandler()
	if err != nil {
		s.log.Fatalf("error setting up routes: %s", err)
	}

	s.srv = &http.Server{
		Addr:              s.conf.hostPort,
		Handler:           routes,
		ReadTimeout:       10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("shutdown signal received")
		}
		close(idleConnsClosed)
	}()

	s.srv.RegisterOnShutdown(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
		if s.gateway != nil {
			s.gateway.Close()
		}
		s.closePools()
		s.log.Info("shutdown complete")
	})

	ver := version
	if ver == "" {
		ver = "not-set"
	}

	fields := []zapcore.Field{
		zap.String("version", ver),
		zap.String("host-port", s.conf.hostPort),
		zap.String("app-name", s.conf.AppName),
		zap.String("env", os.Getenv("GO_ENV")),
		zap.Bool("production", s.conf.Production),
		zap.Int("endpoints", len(s.gateway.Table().Entries)),
	}

	s.zlog.Info("pgmux started", fields...)
	s.printDevModeInfo()

	l, err := net.Listen("tcp", s.conf.hostPort)
	if err != nil {
		s.log.Fatalf("failed to init port: %s", err)
	}

	if err := s.srv.Serve(l); err != http.ErrServerClosed {
		s.log.Fatalf("failed to start: %s", err)
	}
	<-idleConnsClosed
}

func (s *Service) closePools() {
	for name, p := range s.pools {
		if p != nil {
			p.Close()
			s.log.Infof("closed database connection: %s", name)
		}
	}
}

// setServerHeader sets the Server header on every response.
func setServerHeader(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverName)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// printDevModeInfo prints useful development information on startup
func (s *Service) printDevModeInfo() {
	if s.conf.Production {
		return
	}

	hostPort := s.conf.hostPort
	displayHost := hostPort
	if strings.HasPrefix(hostPort, "0.0.0.0:") {
		displayHost = "localhost" + hostPort[7:]
	}

	prefix := s.conf.Core.URLPathPrefix
	if prefix == "" {
		prefix = "/api/"
	}

	fmt.Println()
	fmt.Println("Development Server URLs")
	fmt.Println("───────────────────────")
	fmt.Printf("  REST API:    http://%s%s<routine-name>\n", displayHost, prefix)
	fmt.Printf("  Health:      http://%s/health\n", displayHost)
	fmt.Println()

	for _, e := range s.gateway.Table().Entries {
		fmt.Printf("  %-6s %s\n", e.Endpoint.Method, e.Endpoint.Path)
	}
	fmt.Println()
}
