package handlers

import (
	"errors"
	"net/http"
	"strings"

	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/middleware"
	"maps-scraper-backend/pkg/results"
	"maps-scraper-backend/pkg/tasks"
	"maps-scraper-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// TaskHandler 任务提交、查询与结果预览
type TaskHandler struct {
	coordinator *tasks.Coordinator
	service     *tasks.Service
	fetcher     *results.Fetcher
	resolver    *entitlement.Resolver
}

// NewTaskHandler 创建处理器
func NewTaskHandler(s *Services) *TaskHandler {
	return &TaskHandler{
		coordinator: s.Coordinator,
		service:     s.Tasks,
		fetcher:     s.Fetcher,
		resolver:    s.Resolver,
	}
}

// SubmitTask POST /api/tasks
// refresh token 通过 X-Refresh-Token 传入；刷新后的令牌放在响应头里返回
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var params tasks.Params
	if err := utils.ParseJSONBody(r, &params); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	session := tasks.Session{
		AccessToken:  middleware.GetAccessToken(r.Context()),
		RefreshToken: strings.TrimSpace(r.Header.Get(middleware.RefreshTokenHeader)),
	}
	res := h.coordinator.Submit(r.Context(), user.ID, session, params)

	if res.Session != nil {
		w.Header().Set(middleware.RotatedAccessTokenHeader, res.Session.AccessToken)
		w.Header().Set(middleware.RotatedRefreshTokenHeader, res.Session.RefreshToken)
	}

	switch {
	case res.Success:
		utils.WriteCreatedResponse(w, res)
	case res.AuthRequired:
		utils.WriteAuthRequiredResponse(w, res.Error, r.URL.RequestURI())
	case errors.Is(res.Err, tasks.ErrInvalidParams):
		utils.WriteValidationErrorResponse(w, res.Error, "")
	case errors.Is(res.Err, tasks.ErrNotEligible):
		utils.WriteEntitlementRequiredResponse(w, res.Error)
	case res.TaskID != "":
		// 任务已写入但通知后端失败，带上 task_id 方便重试
		utils.WriteErrorResponseWithDetails(w, http.StatusBadGateway, "GATEWAY_ERROR", res.Error,
			map[string]string{"task_id": res.TaskID, "stage": "notify_failed"})
	default:
		utils.WriteInternalServerErrorResponse(w, res.Error)
	}
}

// ListTasks GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	list, err := h.service.List(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, list)
}

// GetTask GET /api/tasks/{taskID}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	task, err := h.service.Get(r.Context(), user.ID, chi.URLParam(r, "taskID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, task)
}

// GetResults GET /api/tasks/{taskID}/results?format=csv|json&page=&per_page=
// 免费额度用尽且没有积分的用户只能看到前几行
func (h *TaskHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	format, err := results.ParseFormat(utils.GetQueryParam(r, "format", string(results.FormatCSV)))
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}

	task, err := h.service.Get(r.Context(), user.ID, chi.URLParam(r, "taskID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	source := task.ResultURL
	if format == results.FormatJSON {
		source = task.JSONResultURL
	}
	if source == nil {
		writeServiceError(w, r, results.ErrResultNotReady)
		return
	}

	snapshot := h.resolver.ResolveOrDefault(r.Context(), user.ID)
	ds, err := h.fetcher.Fetch(r.Context(), *source, format, snapshot.PreviewOnly())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	page := utils.GetQueryInt(r, "page", 1)
	perPage := utils.GetQueryInt(r, "per_page", results.DefaultPerPage)

	var info results.Page
	if ds.Format == results.FormatJSON {
		ds.Records, info = results.Paginate(ds.Records, page, perPage)
	} else {
		ds.Rows, info = results.Paginate(ds.Rows, page, perPage)
	}
	utils.WritePaginatedResponse(w, ds, info.Page, info.PerPage, info.Total)
}
