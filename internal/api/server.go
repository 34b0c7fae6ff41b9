// Package api 提供运维接口：健康检查、Prometheus 指标和风险汇总查询。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
	"github.com/life2you_mini/creditvault/internal/vault"
)

const requestBodyLimit = 1 << 16

// RiskView 风险监控器的查询接口
type RiskView interface {
	GetRiskSummary() monitor.RiskSummary
	GetActiveAlerts() []models.Alert
	GetVaultAlerts(vaultID string) []models.Alert
	AcknowledgeAlert(id, by string) bool
	MarketData(chainID string) (models.MarketData, bool)
}

// VaultReader 金库查询
type VaultReader interface {
	GetVault(ctx context.Context, vaultID string) (*models.Vault, error)
}

// AgentService 借款实体查询和评分
type AgentService interface {
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	ScoreAgent(ctx context.Context, agentID, name string, sub vault.SubScores) (*models.Agent, error)
}

// HistoryReader 风险历史和执行记录查询
type HistoryReader interface {
	GetRiskHistory(ctx context.Context, vaultID string, start, end time.Time) ([]models.RiskMetrics, error)
	RecentExecutions(ctx context.Context, limit int64) ([]models.ExecutionResult, error)
}

// HealthCheck 依赖检查，返回错误表示不健康
type HealthCheck func(ctx context.Context) error

// Deps 路由依赖，Vaults、Agents、History 和 Gatherer 可以为空
type Deps struct {
	Risk     RiskView
	Vaults   VaultReader
	Agents   AgentService
	History  HistoryReader
	Checks   map[string]HealthCheck
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Now      func() time.Time
}

type handlers struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewRouter 创建运维路由
func NewRouter(deps Deps) http.Handler {
	h := &handlers{
		deps:   deps,
		logger: deps.Logger.With(zap.String("component", "api")),
		now:    deps.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", h.health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/summary", h.summary)
	r.Get("/markets/{chainID}", h.market)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", h.activeAlerts)
		r.Post("/{alertID}/ack", h.acknowledge)
	})

	r.Route("/vaults/{vaultID}", func(r chi.Router) {
		r.Get("/", h.vault)
		r.Get("/alerts", h.vaultAlerts)
		r.Get("/history", h.history)
	})
	r.Get("/executions", h.executions)

	r.Route("/agents/{agentID}", func(r chi.Router) {
		r.Get("/", h.agent)
		r.Put("/score", h.scoreAgent)
	})

	return r
}

// Server 运维HTTP服务
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer 创建运维HTTP服务
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: deps.Logger.With(zap.String("component", "api_server")),
	}
}

// Start 在后台开始监听
func (s *Server) Start() {
	go func() {
		s.logger.Info("运维接口开始监听", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("运维接口异常退出", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, check := range h.deps.Checks {
		if err := check(r.Context()); err != nil {
			healthy = false
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy": healthy,
		"checks":  status,
		"time":    h.now().UTC(),
	})
}

func (h *handlers) summary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Risk.GetRiskSummary())
}

func (h *handlers) market(w http.ResponseWriter, r *http.Request) {
	md, ok := h.deps.Risk.MarketData(chi.URLParam(r, "chainID"))
	if !ok {
		writeError(w, http.StatusNotFound, "no market data for chain")
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (h *handlers) activeAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Risk.GetActiveAlerts())
}

type ackRequest struct {
	By string `json:"by"`
}

func (h *handlers) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}

	id := chi.URLParam(r, "alertID")
	if !h.deps.Risk.AcknowledgeAlert(id, req.By) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) vault(w http.ResponseWriter, r *http.Request) {
	if h.deps.Vaults == nil {
		writeError(w, http.StatusNotImplemented, "vault store not configured")
		return
	}
	v, err := h.deps.Vaults.GetVault(r.Context(), chi.URLParam(r, "vaultID"))
	if errors.Is(err, vault.ErrVaultNotFound) {
		writeError(w, http.StatusNotFound, "vault not found")
		return
	}
	if err != nil {
		h.logger.Error("查询金库失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) vaultAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Risk.GetVaultAlerts(chi.URLParam(r, "vaultID")))
}

// history 查询最近一段时间的风险快照，since 默认 24h
func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "history store not configured")
		return
	}
	since := 24 * time.Hour
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = d
	}

	end := h.now()
	history, err := h.deps.History.GetRiskHistory(r.Context(), chi.URLParam(r, "vaultID"), end.Add(-since), end)
	if err != nil {
		h.logger.Error("查询风险历史失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *handlers) executions(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "history store not configured")
		return
	}
	limit := int64(50)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	results, err := h.deps.History.RecentExecutions(r.Context(), limit)
	if err != nil {
		h.logger.Error("查询执行记录失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handlers) agent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Agents == nil {
		writeError(w, http.StatusNotImplemented, "agent store not configured")
		return
	}
	agent, err := h.deps.Agents.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if errors.Is(err, vault.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		h.logger.Error("查询借款实体失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type scoreRequest struct {
	Name string `json:"name"`
	vault.SubScores
}

// scoreAgent 按子评分重新计算借款实体的评分
func (h *handlers) scoreAgent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Agents == nil {
		writeError(w, http.StatusNotImplemented, "agent store not configured")
		return
	}
	var req scoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := h.deps.Agents.ScoreAgent(r.Context(), chi.URLParam(r, "agentID"), req.Name, req.SubScores)
	if err != nil {
		h.logger.Error("更新借款实体评分失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
