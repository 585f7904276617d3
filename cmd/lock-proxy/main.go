package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	"github.com/mirkobrombin/go-joblock/v1/metrics"
	"github.com/mirkobrombin/go-joblock/v1/resp"
	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

var (
	port     = flag.Int("port", 6380, "Port to listen on")
	addr     = flag.String("addr", "0.0.0.0", "Address to listen on")
	httpAddr = flag.String("http", ":2112", "Address for /metrics, /events and /ws (empty to disable)")
	cmdLimit = flag.Duration("command-timeout", 5*time.Second, "Timeout of a single backend command")
)

func main() {
	flag.Parse()

	// The proxy is a standalone lock store speaking the Redis protocol, so
	// any RedisBackend can point at it.
	backend := adapter.NewInMemoryBackend()
	bus := syncbus.NewInMemoryBus()
	srv := resp.NewServer(backend, resp.WithBus(bus), resp.WithCommandTimeout(*cmdLimit))

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	metrics.RegisterServerMetrics(reg)

	var web *http.Server
	if *httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/events", syncbus.SSEHandler(bus))
		mux.Handle("/ws", syncbus.WebSocketHandler(bus))
		web = &http.Server{Addr: *httpAddr, Handler: mux}
		go func() {
			if err := web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if web != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = web.Shutdown(shutdownCtx)
			cancel()
		}
		_ = srv.Close()
	}()

	listen := fmt.Sprintf("%s:%d", *addr, *port)
	log.Printf("lock-proxy listening on %s", listen)
	if err := srv.ListenAndServe(listen); err != nil && !errors.Is(err, resp.ErrServerClosed) {
		log.Fatalf("failed to serve: %v", err)
	}
	log.Printf("lock-proxy stopped")
}
