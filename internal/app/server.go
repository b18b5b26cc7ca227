package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"alert-trader/internal/broker"
	"alert-trader/internal/classifier"
	"alert-trader/internal/monitor"
	"alert-trader/internal/position"
)

type trackedSource interface {
	Snapshot() map[string][]position.Position
	List(channelID int64) []position.Position
}

type eventSource interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, channelID int64, limit int) ([]monitor.Event, error)
}

// Server 提供消息接入与运维命令接口。live 为空时账户类命令返回 503。
type Server struct {
	dispatcher *Dispatcher
	live       broker.Broker
	tracked    trackedSource
	events     eventSource
	logger     *zap.Logger
}

// NewServer 创建运维接口。
func NewServer(dispatcher *Dispatcher, live broker.Broker, tracked trackedSource, events eventSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dispatcher: dispatcher,
		live:       live,
		tracked:    tracked,
		events:     events,
		logger:     logger,
	}
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.handleMessage)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /portfolio", s.handlePortfolio)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("POST /cancel_all", s.handleCancelAll)
	mux.HandleFunc("GET /tracked", s.handleTracked)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// Serve 监听端口直至 ctx 结束。
func (s *Server) Serve(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭运维接口失败", zap.Error(err))
		}
	}()

	s.logger.Info("运维接口已启动", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: 运维接口异常: %w", err)
	}
	return nil
}

// handleMessage 接入一条频道消息；?sync=1 时同步处理并返回结果。
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg classifier.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		if _, err := s.dispatcher.accept(msg); err != nil {
			s.writeSubmitError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.dispatcher.Process(r.Context(), msg))
		return
	}

	if err := s.dispatcher.Submit(msg); err != nil {
		s.writeSubmitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownChannel):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	live := make([]string, 0)
	test := make([]string, 0)
	for _, ch := range s.dispatcher.Channels() {
		if ch.Live() {
			live = append(live, ch.Name)
		} else {
			test = append(test, ch.Name)
		}
	}
	sort.Strings(live)
	sort.Strings(test)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"live_channels": live,
		"test_channels": test,
		"live_broker":   s.live != nil,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if !s.requireLive(w) {
		return
	}
	positions, err := s.live.OpenPositions(r.Context())
	if err != nil {
		s.logger.Error("查询实盘持仓失败", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if !s.requireLive(w) {
		return
	}
	equity, err := s.live.AccountEquity(r.Context())
	if err != nil {
		s.logger.Error("查询账户权益失败", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"equity": equity.Round(2)})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if !s.requireLive(w) {
		return
	}
	if err := s.live.Reconnect(r.Context()); err != nil {
		s.logger.Error("重新连接券商失败", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reconnected"})
}

// handleCancelAll 撤销实盘账户全部未成交委托，汇总所有失败。
func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if !s.requireLive(w) {
		return
	}
	orders, err := s.live.OpenOrders(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	var (
		cancelled []string
		errs      error
	)
	for _, o := range orders {
		if cancelErr := s.live.CancelOrder(r.Context(), o.ID); cancelErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("撤销委托 %s 失败: %w", o.ID, cancelErr))
			continue
		}
		cancelled = append(cancelled, o.ID)
	}

	resp := map[string]interface{}{"cancelled": cancelled}
	status := http.StatusOK
	if errs != nil {
		s.logger.Warn("部分委托撤销失败", zap.Error(errs))
		failures := make([]string, 0)
		for _, e := range multierr.Errors(errs) {
			failures = append(failures, e.Error())
		}
		resp["errors"] = failures
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, resp)
}

// handleTracked 返回跟踪中的持仓；带 channel_id 时只返回该频道。
func (s *Server) handleTracked(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query().Get("channel_id")
	if qs == "" {
		s.writeJSON(w, http.StatusOK, s.tracked.Snapshot())
		return
	}
	channelID, err := strconv.ParseInt(qs, 10, 64)
	if err != nil {
		http.Error(w, "invalid channel_id", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tracked.List(channelID))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "audit log disabled", http.StatusServiceUnavailable)
		return
	}

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

	eventType, ok := monitor.ParseEventType(strings.ToLower(strings.TrimSpace(q.Get("type"))))
	if !ok {
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	var channelID int64
	if qs := q.Get("channel_id"); qs != "" {
		v, err := strconv.ParseInt(qs, 10, 64)
		if err != nil {
			http.Error(w, "invalid channel_id", http.StatusBadRequest)
			return
		}
		channelID = v
	}

	events, err := s.events.ListEvents(r.Context(), eventType, channelID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) requireLive(w http.ResponseWriter) bool {
	if s.live == nil {
		http.Error(w, "live broker not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}
