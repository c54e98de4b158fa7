// Command linkup-relay runs the signaling relay: it registers connected
// users, routes call invites by user id and fans room-scoped events out to
// the other room members.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rkuiper/linkup/internal/relay"
)

var log = logging.Logger("linkup-relay")

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	addr     = flag.String("addr", ":8484", "listen address")
	wsPath   = flag.String("path", "/ws", "websocket endpoint path")
	logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	version  = flag.Bool("version", false, "show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("linkup-relay v%s\n", appVersion)
		return
	}

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	hub := relay.NewHub()
	mux := http.NewServeMux()
	mux.Handle(*wsPath, hub.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s%s", *addr, *wsPath)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("serve: %v", err)
			os.Exit(1)
		}
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}
}
