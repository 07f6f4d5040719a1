package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"angel-guard/internal/emergency"
	"angel-guard/internal/safety"
)

func startStatusServer(ctx context.Context, controller *emergency.Controller, monitor *safety.Monitor, journal *emergency.Journal, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"emergency": controller.Status(),
			"safety":    monitor.Status(),
		}
		writeJSON(w, payload, logger)
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		entries, err := journal.List(r.Context(), emergency.KindEvent, queryLimit(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries, logger)
	})

	mux.HandleFunc("/violations", func(w http.ResponseWriter, r *http.Request) {
		kind := emergency.KindViolation
		if typ := strings.TrimSpace(r.URL.Query().Get("kind")); typ != "" {
			kind = strings.ToLower(typ)
		}
		entries, err := journal.List(r.Context(), kind, queryLimit(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries, logger)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭状态服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("状态服务异常", zap.Error(err))
		}
	}()

	logger.Info("状态接口已启动", zap.String("addr", addr))
	return nil
}

func queryLimit(r *http.Request) int {
	limit := 200
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, payload interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入状态响应失败", zap.Error(err))
	}
}
