// Command providers runs mock upstream servers for the three protocols the
// relay dispatches to. Point a provider's base_url at one of them to exercise
// the relay end to end without credentials.
//
//	:19001  POST /v1/messages            (override: PORT_ANTHROPIC)
//	:19002  POST /v1/responses           (override: PORT_RESPONSES)
//	:19003  POST /v1/chat/completions    (override: PORT_CHAT)
//
// Behaviour knobs:
//
//	MOCK_LATENCY_MS   — artificial latency per answer (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] answered with HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words per completion (default 10)
//
// The process prints READY once all listeners are up.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type upstream struct {
	protocol string
	portEnv  string
	port     int
	handler  func(behavior) http.Handler
}

var upstreams = []upstream{
	{"anthropic", "PORT_ANTHROPIC", 19001, newMessagesHandler},
	{"responses", "PORT_RESPONSES", 19002, newResponsesHandler},
	{"chat", "PORT_CHAT", 19003, newChatHandler},
}

func (u upstream) addr() string {
	if v := os.Getenv(u.portEnv); v != "" {
		return ":" + v
	}
	return ":" + strconv.Itoa(u.port)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	b := loadBehavior()

	log.Info("starting mock upstreams",
		slog.Duration("latency", b.Latency),
		slog.Float64("error_rate", b.ErrorRate),
		slog.Int("words", b.Words),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := make([]*http.Server, 0, len(upstreams))
	for _, u := range upstreams {
		srv := &http.Server{
			Addr:         u.addr(),
			Handler:      u.handler(b),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		servers = append(servers, srv)

		go func(protocol string, s *http.Server) {
			log.Info("mock upstream listening",
				slog.String("protocol", protocol),
				slog.String("addr", s.Addr),
			)
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("mock upstream failed",
					slog.String("protocol", protocol),
					slog.String("error", err.Error()),
				)
			}
		}(u.protocol, srv)
	}

	fmt.Println("READY")
	<-ctx.Done()

	log.Info("shutting down mock upstreams")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	log.Info("mock upstreams stopped")
}
