package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lattice-net/meshwire/config"
	"github.com/lattice-net/meshwire/internal/meshlog"
	"github.com/lattice-net/meshwire/internal/meshnet"
)

func main() {
	tcpAddrFlag := flag.String("tcp", "", "tcp bind address, overrides config.json")
	udpAddrFlag := flag.String("udp", "", "udp bind address, overrides config.json ('' disables udp)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Exit(exitWithError("load config", err))
	}
	if *tcpAddrFlag != "" {
		cfg.TCPAddr = *tcpAddrFlag
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "udp" {
			cfg.UDPAddr = *udpAddrFlag
		}
	})

	log, err := meshlog.Init(meshlog.Config{
		Level:   cfg.Logger.Level,
		Console: cfg.Logger.Console,
		Path:    cfg.Logger.Path,
	})
	if err != nil {
		os.Exit(exitWithError("init logger", err))
	}
	defer meshlog.Sync()

	ser := meshnet.NewTaggedJSONSerialization()
	meshnet.RegisterAdminTypes(ser)

	var dashboard *meshnet.Dashboard
	if cfg.DashboardAddr != "" {
		dashboard = meshnet.NewDashboard(log.Named("dashboard"))
	}

	srv, err := meshnet.NewServer(meshnet.ServerOptions{
		WriteBufferSize:  cfg.WriteBufferSize,
		ObjectBufferSize: cfg.ObjectBufferSize,
		KeepAliveMillis:  cfg.KeepAliveMillis,
		TimeoutMillis:    cfg.TimeoutMillis,
		IdleThreshold:    cfg.IdleThreshold,
		Serialization:    ser,
		Logger:           log.Named("meshnet"),
		Dashboard:        dashboard,
	})
	if err != nil {
		os.Exit(exitWithError("construct server", err))
	}

	if err := srv.Bind(cfg.TCPAddr, cfg.UDPAddr); err != nil {
		os.Exit(exitWithError("bind server", err))
	}

	if cfg.ConsoleEnabled {
		srv.AddListener(meshnet.NewAdminListener(srv))
	}

	tcpAddr, _ := srv.TCPAddr()
	udpAddr, _ := srv.UDPAddr()
	srv.SetDiscoveryHandler(newDiscoveryHandler(cfg, tcpAddr, udpAddr, log))

	srv.Start()
	log.Info("meshwired started", zap.Stringer("tcp_addr", tcpAddr))

	stopAux := startAuxiliaryListeners(cfg, dashboard, log)
	defer stopAux()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")
	srv.Stop()
}

func newDiscoveryHandler(cfg *config.Config, tcpAddr *net.TCPAddr, udpAddr *net.UDPAddr, log *zap.Logger) meshnet.ServerDiscoveryHandler {
	tcpPort, udpPort := 0, 0
	if tcpAddr != nil {
		tcpPort = tcpAddr.Port
	}
	if udpAddr != nil {
		udpPort = udpAddr.Port
	}
	return meshnet.NewDefaultDiscoveryHandler("meshwired", tcpPort, udpPort, cfg.StunServerAddr, log.Named("discovery"))
}

// startAuxiliaryListeners starts the optional /metrics and dashboard HTTP
// servers. It returns a function that shuts them down.
func startAuxiliaryListeners(cfg *config.Config, dashboard *meshnet.Dashboard, log *zap.Logger) func() {
	var servers []*http.Server

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		servers = append(servers, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	if cfg.DashboardAddr != "" && dashboard != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", dashboard)
		srv := &http.Server{Addr: cfg.DashboardAddr, Handler: mux}
		servers = append(servers, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("dashboard listener stopped", zap.Error(err))
			}
		}()
	}

	return func() {
		for _, s := range servers {
			_ = s.Close()
		}
	}
}

func exitWithError(op string, err error) int {
	println(op+":", err.Error())
	return 1
}
