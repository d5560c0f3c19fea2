package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"LX-Agent/internal/agent"
	xerrors "LX-Agent/internal/errors"
	"LX-Agent/internal/llm"
	"LX-Agent/internal/mcp"
	"LX-Agent/internal/observability/metrics"
	"LX-Agent/internal/session"
	"LX-Agent/internal/task"
	"LX-Agent/pkg/logger"
)

// Server 暴露 REST 接口：同步命令、异步任务、会话与能力查询。
type Server struct {
	agent   *agent.Agent
	tasks   *task.Service
	metrics *metrics.Collector
	log     *slog.Logger
	httpSrv *http.Server
}

// NewServer 构造 API 服务。
func NewServer(address string, ag *agent.Agent, tasks *task.Service, collector *metrics.Collector) *Server {
	s := &Server{
		agent:   ag,
		tasks:   tasks,
		metrics: collector,
		log:     logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/commands", s.instrument("commands", s.handleRunCommand))
	mux.HandleFunc("POST /api/v1/tasks", s.instrument("tasks_submit", s.handleSubmitTask))
	mux.HandleFunc("GET /api/v1/tasks", s.instrument("tasks_list", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/stats", s.instrument("tasks_stats", s.handleTaskStats))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.instrument("tasks_get", s.handleGetTask))
	mux.HandleFunc("GET /api/v1/capabilities", s.instrument("capabilities", s.handleCapabilities))
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.instrument("sessions_get", s.handleGetSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/end", s.instrument("sessions_end", s.handleEndSession))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.instrument("sessions_delete", s.handleDeleteSession))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if collector != nil {
		mux.Handle("GET /metrics", collector.Handler())
	}

	s.httpSrv = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start 启动监听，阻塞直到服务被关闭。
func (s *Server) Start() error {
	s.log.Info("API 服务启动", slog.String("address", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭服务。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// instrument 为处理器附加指标与访问日志。
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, recorder.status, elapsed)
		}
		s.log.Debug("请求完成",
			slog.String("route", route),
			slog.Int("status", recorder.status),
			slog.Duration("elapsed", elapsed),
		)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req agent.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体不是合法的 JSON"))
		return
	}
	if s.metrics != nil {
		s.metrics.CommandStarted()
	}
	result, err := s.agent.Run(r.Context(), req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CommandFailed()
		}
		if result != nil {
			// 规划失败时摘要仍携带已执行的步骤，随错误状态码一并返回。
			s.writeJSON(w, httpStatus(err), result)
			return
		}
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		for _, step := range result.Steps {
			if step.Adapter != "" {
				s.metrics.AdapterCall(step.Adapter)
			}
			if len(step.Attempted) > 1 {
				s.metrics.FailoverHappened()
			}
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体不是合法的 JSON"))
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := task.ListOptions{
		Status:    task.Status(r.URL.Query().Get("status")),
		SessionID: r.URL.Query().Get("session_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是整数"))
			return
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是整数"))
			return
		}
		opts.Offset = offset
	}

	tasks, err := s.tasks.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.agent.ListCapabilities(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.agent.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.EndSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("写响应失败", slog.Any("error", err))
	}
}

// httpStatus 把统一错误码映射为 HTTP 状态码。
func httpStatus(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, session.CodeSessionNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case agent.CodeConfirmationRequired, agent.CodeNoPendingPlan, session.CodeSessionEnded, xerrors.CodeConflict:
		return http.StatusConflict
	case mcp.CodeNoAvailableAdapter, mcp.CodeNoCapableAdapter:
		return http.StatusServiceUnavailable
	case mcp.CodeAllAdaptersFailed, mcp.CodeAdapterExecution, llm.CodeModelPlanningFailed:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError 把统一错误映射为 HTTP 状态码与结构化错误体。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := httpStatus(err)

	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": message,
		},
	})
}
