package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quark/config"
	"quark/internal/db"
	"quark/internal/driver"
	"quark/internal/health"
	"quark/internal/ipam"
	"quark/internal/logs"
	"quark/internal/metrics"
	"quark/internal/middleware"
	"quark/internal/nvp"
	"quark/internal/nvp/memctl"
	"quark/internal/plugin"
	"quark/internal/quota"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})
	a.log = logs.For("server")

	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return errors.Wrap(err, "db open")
	}
	a.db = d
	if err := db.Migrate(a.db); err != nil {
		return errors.Wrap(err, "db migrate")
	}

	client, err := a.controller()
	if err != nil {
		return errors.Wrap(err, "controller client")
	}
	enf := quota.NewEnforcer(quota.Limits{
		PortsPerSwitch: a.cfg.NVP.MaxPortsPerSwitch,
		RulesPerGroup:  a.cfg.NVP.MaxRulesPerGroup,
		RulesPerPort:   a.cfg.NVP.MaxRulesPerPort,
	})
	var opts []driver.Option
	if a.cfg.NVP.DefaultTZ != "" {
		opts = append(opts, driver.WithDefaultZone(a.cfg.NVP.DefaultTZ))
	}
	drv, err := driver.New(a.cfg.NVP.Driver, client, enf, opts...)
	if err != nil {
		return err
	}
	var pluginOpts []plugin.Option
	if a.cfg.NVP.DefaultSecurityGroup {
		pluginOpts = append(pluginOpts, plugin.WithDefaultSecurityGroup())
	}
	p := plugin.New(a.db, ipam.NewAllocator(), drv, enf, a.cfg.IPAM.ReuseAfter, pluginOpts...)

	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, a.db)
	a.Router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	plugin.NewHTTP(p).RegisterRoutes(a.Router)
	ipam.NewHTTP(a.db).RegisterRoutes(a.Router)
	ipam.NewAddressHTTP(a.db).RegisterRoutes(a.Router)

	_ = a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		a.log.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	a.log.WithFields(logrus.Fields{
		"driver":   a.cfg.NVP.Driver,
		"database": a.cfg.Database.Driver,
		"memory":   a.cfg.NVP.Memory,
	}).Info("initialized")
	return nil
}

// controller builds the controller client. In memory mode it talks to an
// in-process controller that starts with the default transport zone.
func (a *App) controller() (*nvp.Client, error) {
	opts := []nvp.Option{nvp.WithRetryDelay(a.cfg.NVP.RetryDelay)}
	if a.cfg.NVP.Memory {
		zone := a.cfg.NVP.DefaultTZ
		if zone == "" {
			zone = "default"
		}
		ctl := memctl.New()
		ctl.AddTransportZone(zone, zone)
		a.log.WithField("zone", zone).Warn("using the in-memory controller")
		opts = append(opts, nvp.WithTransport(ctl.Transport()))
		conns := []config.Connection{{Host: "memctl", Port: "80", HTTPTimeout: 30 * time.Second}}
		return nvp.NewClient(conns, opts...)
	}
	conns, err := a.cfg.Connections()
	if err != nil {
		return nil, err
	}
	return nvp.NewClient(conns, opts...)
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-a.ctx.Done():
	case err := <-errc:
		return errors.Wrap(err, "http server")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
