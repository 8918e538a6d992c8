// scribe-relay is the rendezvous daemon for collaborative documents.
// Replicas connect over websockets, push their operations, and catch up
// on everything they missed while offline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	_ "expvar"
	_ "net/http/pprof"

	"scribe/config"
	"scribe/logging"
	"scribe/syncing"
	"scribe/util/cleanup"

	"github.com/burdiyan/go/mainutil"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/peterbourgon/ff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	const envVarPrefix = "SCRIBE"

	mainutil.Run(func() error {
		ctx := mainutil.TrapSignals()

		fs := flag.NewFlagSet("scribe-relay", flag.ExitOnError)

		cfg := config.Default()
		cfg.BindFlags(fs)

		err := ff.Parse(fs, slices.Clone(os.Args[1:]), ff.WithEnvVarPrefix(envVarPrefix))
		if err != nil {
			if errors.Is(err, ff.ErrHelp) {
				fs.Usage()
				return nil
			}

			return err
		}

		if err := cfg.Base.ExpandDataDir(); err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.Base.DataDir, 0o700); err != nil {
			return err
		}

		log := logging.New("scribe-relay", cfg.LogLevel)

		return run(ctx, cfg, log)
	})
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	var clean cleanup.Stack
	defer clean.Close() //nolint:errcheck

	relay := syncing.NewRelay(log, cfg.Base.DataDir)
	clean.Add(relay)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 16,
	}

	router := mux.NewRouter()
	router.HandleFunc("/sync/{document}", func(w http.ResponseWriter, r *http.Request) {
		docID := mux.Vars(r)["document"]

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("WebsocketUpgradeFailed", zap.Error(err))
			return
		}

		t := syncing.NewWebSocketTransport(conn)
		if err := relay.ServeTransport(r.Context(), docID, t); err != nil {
			log.Warn("SessionFailed",
				zap.String("document", docID),
				zap.Error(err),
			)
		}
	})
	router.Handle("/debug/metrics", promhttp.Handler())
	router.Handle("/debug/logs", logging.DebugHandler())
	router.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTP.Port))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	log.Info("RelayStarted",
		zap.Int("port", cfg.HTTP.Port),
		zap.String("dataDir", cfg.Base.DataDir),
	)
	defer log.Info("RelayStopped")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
