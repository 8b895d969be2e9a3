package coremain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonNS/mlog"
	"github.com/PeerPigeon/PigeonNS/pkg/resolver"
	"github.com/PeerPigeon/PigeonNS/pkg/safe_close"
	"github.com/PeerPigeon/PigeonNS/pkg/server/http_handler"
	"github.com/PeerPigeon/PigeonNS/pkg/transport"
)

// App bundles one engine with its transport, logger and metrics
// registry. It is what every subcommand runs on.
type App struct {
	cfg        *Config
	logger     *zap.Logger
	engine     *resolver.Engine
	metricsReg *prometheus.Registry
}

// NewApp builds an App from cfg. The engine is not started.
func NewApp(cfg *Config) (*App, error) {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetDefault(lg)

	reg := newMetricsReg()

	tr := transport.New(transport.Options{Logger: lg.Named("transport")})
	eng := resolver.NewEngine(cfg.Resolver.engineOptions(
		lg.Named("resolver"),
		prometheus.WrapRegistererWithPrefix("pigeonns_", reg),
	), tr)

	tr.OnResponse(eng.Ingest)
	tr.OnError(func(err error) {
		lg.Warn("transport error", zap.Error(err))
	})

	return &App{
		cfg:        cfg,
		logger:     lg,
		engine:     eng,
		metricsReg: reg,
	}, nil
}

func (a *App) Engine() *resolver.Engine {
	return a.engine
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func runResolve(rf *rootFlags, hostname, typ string, timeoutMs int) error {
	qtype, ok := dns.StringToType[typ]
	if !ok || (qtype != dns.TypeA && qtype != dns.TypeAAAA) {
		return fmt.Errorf("unsupported record type %q, must be A or AAAA", typ)
	}

	cfg, err := loadConfig(rf.config)
	if err != nil {
		return err
	}
	if timeoutMs > 0 {
		cfg.Resolver.Timeout = timeoutMs
	}

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	if err := app.engine.Start(); err != nil {
		return err
	}
	defer app.engine.Stop()

	addr, err := app.engine.Resolve(context.Background(), hostname, qtype)
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

func runMonitor(rf *rootFlags) error {
	cfg, err := loadConfig(rf.config)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	app.engine.OnResolved(func(a resolver.Answer) {
		fmt.Printf("%s\t%s\t%s\tttl=%ds\n",
			a.Name, dns.Type(a.Qtype), a.Address, a.TTL)
	})
	if err := app.engine.Start(); err != nil {
		return err
	}
	defer app.engine.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func runServe(sf *serveFlags) error {
	cfg, err := loadConfig(sf.rf.config)
	if err != nil {
		return err
	}
	host := cfg.API.Host
	if len(sf.host) > 0 {
		host = sf.host
	}
	if len(host) == 0 {
		host = defaultAPIHost
	}
	port := cfg.API.Port
	if sf.port > 0 {
		port = sf.port
	}
	if port <= 0 {
		port = defaultAPIPort
	}

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	if err := app.engine.Start(); err != nil {
		return err
	}

	apiHandler, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Resolver: app.engine,
		Logger:   app.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/resolve", apiHandler)
	mux.Handle("/health", apiHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(app.metricsReg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: mux,
	}

	sc := safe_close.NewSafeClose()
	sf.setCloser(sc)

	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			app.logger.Info("starting api http server",
				zap.String("addr", httpServer.Addr))
			errChan <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errChan:
			sc.SendCloseSignal(err)
		case <-closeSignal:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
		}
	})

	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			app.logger.Info("received signal", zap.Stringer("signal", s))
			sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-sc.ReceiveCloseSignal()
	sc.CloseWait()
	if err := app.engine.Stop(); err != nil {
		app.logger.Warn("failed to stop engine", zap.Error(err))
	}
	return sc.Err()
}
