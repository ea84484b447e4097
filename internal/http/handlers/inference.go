package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/inferbridge-backend/internal/domain"
	"github.com/yungbote/inferbridge-backend/internal/http/response"
	"github.com/yungbote/inferbridge-backend/internal/platform/ctxutil"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type InferenceHandler struct {
	inference services.InferenceService
}

func NewInferenceHandler(inference services.InferenceService) *InferenceHandler {
	return &InferenceHandler{inference: inference}
}

type submitRequest struct {
	DatasetName  string `json:"datasetName" binding:"required,min=3,max=40"`
	ModelID      string `json:"modelId" binding:"required,oneof=YOLO8"`
	ModelVersion string `json:"modelVersion" binding:"required,oneof=YOLO8s_FSR YOLO8m_FSR"`
}

type jobQuery struct {
	JobID string `form:"jobId" binding:"required,max=64"`
}

type resultResponse struct {
	Status     types.JobStatus `json:"status,omitempty"`
	Result     json.RawMessage `json:"result"`
	ContentURI string          `json:"contentURI"`
}

func caller(c *gin.Context) (*ctxutil.RequestData, bool) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.Email == "" {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return nil, false
	}
	return rd, true
}

// POST /api/inference
func (h *InferenceHandler) Submit(c *gin.Context) {
	rd, ok := caller(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	job, err := h.inference.Submit(c.Request.Context(), rd.Email, req.DatasetName, req.ModelID, req.ModelVersion)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{"jobId": job.ID})
}

// GET /api/inference/state?jobId=
func (h *InferenceHandler) State(c *gin.Context) {
	rd, ok := caller(c)
	if !ok {
		return
	}
	var q jobQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return
	}
	job, err := h.inference.State(c.Request.Context(), rd.Email, q.JobID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if job.Status == types.JobCompleted && len(job.Result) > 0 {
		response.RespondOK(c, resultResponse{
			Status:     job.Status,
			Result:     json.RawMessage(job.Result),
			ContentURI: job.ContentURI(),
		})
		return
	}
	response.RespondOK(c, gin.H{"status": job.Status})
}

// GET /api/inference/result?jobId=
func (h *InferenceHandler) Result(c *gin.Context) {
	rd, ok := caller(c)
	if !ok {
		return
	}
	var q jobQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return
	}
	job, err := h.inference.Result(c.Request.Context(), rd.Email, q.JobID)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, resultResponse{
		Result:     json.RawMessage(job.Result),
		ContentURI: job.ContentURI(),
	})
}

// GET /api/inference/jobs
func (h *InferenceHandler) List(c *gin.Context) {
	rd, ok := caller(c)
	if !ok {
		return
	}
	jobs, err := h.inference.List(c.Request.Context(), rd.Email)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": JobSummaries(jobs)})
}

// JobSummaries is the row shape shared by the jobs endpoint and the JobList
// notification.
func JobSummaries(jobs []*types.InferenceJob) []realtime.JobSummary {
	out := make([]realtime.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, realtime.JobSummary{
			JobID:     j.ID,
			State:     string(j.Status),
			DatasetID: j.DatasetID,
		})
	}
	return out
}
