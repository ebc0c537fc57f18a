package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"raze-trader/internal/execution"
	"raze-trader/internal/history"
	"raze-trader/internal/orders"
)

const maxBodyBytes = 1 << 20

func newHandler(o *orchestrator, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"stream":       o.stream.Phase().String(),
			"token":        o.stream.TokenMint(),
			"activeTokens": o.monitor.ActiveTokens(),
			"wallets":      len(o.wallets.All()),
		})
	})

	mux.HandleFunc("GET /orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, o.monitor.Orders())
	})

	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		order, err := o.monitor.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, order)
	})

	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var spec orders.Spec
		if err := decodeBody(w, r, &spec); err != nil {
			writeJSON(w, logger, http.StatusBadRequest, errorBody(err))
			return
		}
		order, err := o.AddOrder(r.Context(), spec)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusCreated, order)
	})

	mux.HandleFunc("DELETE /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := o.CancelOrder(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeJSON(w, logger, http.StatusBadRequest, errorBody(err))
			return
		}
		// 已提交的交易不随客户端断开而中止。
		res := o.Execute(context.WithoutCancel(r.Context()), req)
		status := http.StatusOK
		if execution.IsValidation(res.Err()) {
			status = http.StatusBadRequest
		}
		writeJSON(w, logger, status, res)
	})

	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := history.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = history.EventType(strings.ToLower(typ))
		}

		events, err := o.history.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			writeJSON(w, logger, http.StatusInternalServerError, errorBody(err))
			return
		}
		writeJSON(w, logger, http.StatusOK, events)
	})

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func startServer(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭控制接口失败", zap.Error(err))
		}
	}()

	logger.Info("控制接口已启动", zap.String("addr", addr))
	return srv
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		capErr   *orders.CapacityError
		orderErr *orders.ValidationError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &orderErr):
		status = http.StatusBadRequest
	case errors.As(err, &capErr):
		status = http.StatusConflict
	case errors.Is(err, orders.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orders.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, orders.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, logger, status, errorBody(err))
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}
