package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, types.Validationf("bad_json", "request body is not valid JSON: %v", err))
		return false
	}
	return true
}

func queryInt(c *gin.Context, name string) (*int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok {
		return nil, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(c, types.Validationf("invalid_"+name, "%s must be an integer, got %q", name, raw))
		return nil, false
	}
	return &n, true
}

// --- project ---

func (s *Server) handleGetProject(c *gin.Context) {
	p, err := s.store.GetProject(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	var body struct {
		Name     *string `json:"name"`
		RepoPath *string `json:"repo_path"`
		PRDPath  *string `json:"prd_path"`
	}
	if !bindJSON(c, &body) {
		return
	}
	p, err := s.store.UpdateProject(c.Request.Context(), storage.ProjectUpdate{
		Name: body.Name, RepoPath: body.RepoPath, PRDPath: body.PRDPath,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- sessions ---

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context(), storage.SessionFilter{
		Status: c.Query("status"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"items": sessions})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !bindJSON(c, &body) {
		return
	}
	sess := &types.Session{Name: body.Name, Description: body.Description}
	if err := s.store.CreateSession(c.Request.Context(), sess); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleUpdateSession applies field updates and, when the body carries
// status "ended", performs the end transition.
func (s *Server) handleUpdateSession(c *gin.Context) {
	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Status      string  `json:"status"`
	}
	if !bindJSON(c, &body) {
		return
	}
	if body.Status != "" && body.Status != string(types.SessionEnded) {
		writeError(c, types.Validationf("invalid_status",
			"session status can only be set to %q", types.SessionEnded))
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if body.Name != nil || body.Description != nil {
		sess, err = s.store.UpdateSession(ctx, id, storage.SessionUpdate{
			Name: body.Name, Description: body.Description,
		})
		if err != nil {
			writeError(c, err)
			return
		}
	}
	if body.Status == string(types.SessionEnded) {
		sess, err = s.store.EndSession(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.store.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- queues ---

func (s *Server) handleListQueues(c *gin.Context) {
	queues, err := s.store.ListQueues(c.Request.Context(), storage.QueueFilter{
		SessionID:       c.Query("session_id"),
		Status:          c.Query("status"),
		IncludeArchived: c.Query("include_archived") == "true",
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if queues == nil {
		queues = []*types.Queue{}
	}
	c.JSON(http.StatusOK, gin.H{"items": queues})
}

func (s *Server) handleCreateQueue(c *gin.Context) {
	var body struct {
		SessionID    string `json:"session_id"`
		Name         string `json:"name"`
		Instructions string `json:"instructions"`
		ModelProfile string `json:"model_profile"`
	}
	if !bindJSON(c, &body) {
		return
	}
	q := &types.Queue{
		SessionID:    body.SessionID,
		Name:         body.Name,
		Instructions: body.Instructions,
		ModelProfile: body.ModelProfile,
	}
	if err := s.store.CreateQueue(c.Request.Context(), q); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

func (s *Server) handleGetQueue(c *gin.Context) {
	q, err := s.store.GetQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleUpdateQueue(c *gin.Context) {
	var body struct {
		Name           *string `json:"name"`
		Instructions   *string `json:"instructions"`
		ModelProfile   *string `json:"model_profile"`
		CodexSessionID *string `json:"codex_session_id"`
		Status         string  `json:"status"`
	}
	if !bindJSON(c, &body) {
		return
	}
	if body.Status != "" && body.Status != string(types.QueueEnded) {
		writeError(c, types.Validationf("invalid_status",
			"queue status can only be set to %q; use the archive endpoints otherwise", types.QueueEnded))
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	q, err := s.store.GetQueue(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if body.Name != nil || body.Instructions != nil || body.ModelProfile != nil || body.CodexSessionID != nil {
		q, err = s.store.UpdateQueue(ctx, id, storage.QueueUpdate{
			Name:           body.Name,
			Instructions:   body.Instructions,
			ModelProfile:   body.ModelProfile,
			CodexSessionID: body.CodexSessionID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
	}
	if body.Status == string(types.QueueEnded) {
		q, err = s.store.EndQueue(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleDeleteQueue(c *gin.Context) {
	if err := s.store.DeleteQueue(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleArchiveQueue(c *gin.Context) {
	q, err := s.store.ArchiveQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleUnarchiveQueue(c *gin.Context) {
	q, err := s.store.UnarchiveQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// handleNextTask is the runner discovery call: the oldest queued task in
// the queue, without claiming it.
func (s *Server) handleNextTask(c *gin.Context) {
	t, err := s.store.NextQueuedTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// --- tasks ---

func (s *Server) handleListTasks(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}
	page, err := s.store.ListTasks(c.Request.Context(), storage.TaskListRequest{
		QueueID:   c.Query("queue_id"),
		Status:    c.Query("status"),
		TaskClass: c.Query("task_class"),
		ToolName:  c.Query("tool_name"),
		Limit:     limit,
		Offset:    offset,
		Cursor:    c.Query("cursor"),
		SortBy:    c.Query("sort_by"),
		SortDir:   c.Query("sort_dir"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var body struct {
		QueueID   string          `json:"queue_id"`
		ToolName  string          `json:"tool_name"`
		TaskClass string          `json:"task_class"`
		Payload   json.RawMessage `json:"payload"`
		Timeout   *int            `json:"timeout"`
	}
	if !bindJSON(c, &body) {
		return
	}

	cfg := s.resolver.Current()
	class := types.TaskClass(body.TaskClass)
	if body.TaskClass == "" {
		class = cfg.ClassForTool(body.ToolName)
	} else if !types.ValidTaskClass(body.TaskClass) {
		writeError(c, types.Validationf("invalid_task_class", "unknown task class %q", body.TaskClass))
		return
	}

	timeout := 0
	if body.Timeout != nil {
		timeout = *body.Timeout
	} else {
		d, err := cfg.TimeoutFor(class)
		if err != nil {
			writeError(c, err)
			return
		}
		timeout = d
	}

	t := &types.Task{
		QueueID:   body.QueueID,
		ToolName:  body.ToolName,
		TaskClass: class,
		Payload:   body.Payload,
		Timeout:   timeout,
	}
	if err := s.store.EnqueueTask(c.Request.Context(), t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleClaimTask(c *gin.Context) {
	t, err := s.store.ClaimTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	var body struct {
		Result json.RawMessage `json:"result"`
		Stdout string          `json:"stdout"`
		Stderr string          `json:"stderr"`
	}
	if !bindJSON(c, &body) {
		return
	}
	t, err := s.store.CompleteTask(c.Request.Context(), c.Param("id"), body.Result, body.Stdout, body.Stderr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleFailTask(c *gin.Context) {
	var body struct {
		Error  string `json:"error"`
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}
	if !bindJSON(c, &body) {
		return
	}
	t, err := s.store.FailTask(c.Request.Context(), c.Param("id"), body.Error, body.Stdout, body.Stderr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleRequeueTask(c *gin.Context) {
	t, err := s.store.RequeueTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// --- admin ---

func (s *Server) handleReload(c *gin.Context) {
	cfg, err := s.resolver.Reload()
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info().Str("path", cfg.Path).Msg("configuration reloaded")
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "config_path": cfg.Path})
}
