package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/mailstore/config"
	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
	"github.com/mjl-/mailstore/moxvar"
	"github.com/mjl-/mailstore/store"
	"github.com/mjl-/mailstore/webadmin"
)

func cmdServe(c *cmd) {
	c.help = `Start mailstore, serving the admin API and metrics.

The admin API is served at /admin/api/ on the Admin listener, prometheus
metrics at /metrics on the Metrics listener. Neither has authentication, they
listen on localhost by default.

Other commands open the account databases directly, they wait for the databases
to become available while serve has them open.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log
	mox.MustLoadConfig(false)
	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			mox.Conf.LogLevelSet(log, "", level)
		}
	}

	log.Print("starting",
		slog.String("version", moxvar.Version),
		slog.String("config", mox.ConfigStaticPath),
		slog.String("datadir", mox.DataDirPath(".")))

	stopSwitchboard := store.Switchboard()

	var servers []*http.Server
	if l := mox.Conf.Static.Admin; l.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/admin/api/", webadmin.Handle)
		servers = append(servers, serve(log, "admin", l, config.DefaultAdminPort, mux))
	}
	if l := mox.Conf.Static.Metrics; l.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><body>see <a href="metrics">metrics</a></body></html>`)
		})
		servers = append(servers, serve(log, "metrics", l, config.DefaultMetricsPort, mux))
	}
	log.Print("ready to serve")

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for active requests", slog.Any("signal", sig))
	shutdown(log, servers)
	stopSwitchboard()
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

// serve starts an http server for the listener in the background.
func serve(log mlog.Log, name string, l config.Listener, defaultPort int, handler http.Handler) *http.Server {
	ip := l.IP
	if ip == "" {
		ip = "127.0.0.1"
	}
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", config.Port(l.Port, defaultPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalx("listen for http", err, slog.String("listener", name), slog.String("addr", addr))
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return mox.Shutdown },
		ErrorLog:          slog.NewLogLogger(log.Logger.Handler(), mlog.LevelInfo),
	}
	log.Print("listening for http", slog.String("listener", name), slog.String("addr", addr))
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalx("serve http", err, slog.String("listener", name))
		}
	}()
	return srv
}

func shutdown(log mlog.Log, servers []*http.Server) {
	// New requests are rejected, active requests should finish quickly.
	mox.ShutdownCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, srv := range servers {
		err := srv.Shutdown(ctx)
		log.Check(err, "shutting down http server")
	}

	// Abort remaining operations.
	mox.ContextCancel()
}
