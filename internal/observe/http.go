package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// BoardInfo is one row of the /boards listing.
type BoardInfo struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Paths   int    `json:"paths"`
	Shared  bool   `json:"shared"`
	Remote  bool   `json:"remote"`
	State   string `json:"state,omitempty"`
}

// BoardLister supplies the /boards snapshot; nil serves an empty list.
type BoardLister func() []BoardInfo

// NewRouter 构建 /healthz、/metrics、/boards 路由
func NewRouter(boards BoardLister) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/boards", func(w http.ResponseWriter, r *http.Request) {
		list := []BoardInfo{}
		if boards != nil {
			list = append(list, boards()...)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	})
	return r
}

// StartHTTP 启动观测 HTTP 服务，ctx 结束时优雅关闭
func StartHTTP(ctx context.Context, addr string, boards BoardLister) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(boards),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.L().Sugar().Infow("observe_listen", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
