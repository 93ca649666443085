package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/repository"
	appErr "ojjudge/pkg/errors"
	"ojjudge/pkg/utils/logger"
	"ojjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMaxArchiveBytes = 64 << 20

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// ResultTracker is the aggregator surface used by the HTTP handlers.
type ResultTracker interface {
	Query(ctx context.Context, submissionID int64) (model.SubmissionResult, error)
	Subscribe(submissionID int64) (<-chan model.SubmissionResult, func())
	Reset(ctx context.Context, submissionID int64) error
}

// Submitter republishes submissions to the submit topic.
type Submitter interface {
	Publish(ctx context.Context, msg model.SubmitMessage) error
}

// ArchiveUploader validates and stores problem archives.
type ArchiveUploader interface {
	Upload(ctx context.Context, problemID int64, data []byte) error
}

// JudgeController handles judge HTTP endpoints.
type JudgeController struct {
	results         ResultTracker
	submissions     repository.SubmissionRepository
	submitter       Submitter
	archives        ArchiveUploader
	maxArchiveBytes int64
	upgrader        websocket.Upgrader
}

// NewJudgeController creates a new controller. maxArchiveBytes <= 0 uses 64MB.
func NewJudgeController(results ResultTracker, submissions repository.SubmissionRepository, submitter Submitter, archives ArchiveUploader, maxArchiveBytes int64) *JudgeController {
	if maxArchiveBytes <= 0 {
		maxArchiveBytes = defaultMaxArchiveBytes
	}
	return &JudgeController{
		results:         results,
		submissions:     submissions,
		submitter:       submitter,
		archives:        archives,
		maxArchiveBytes: maxArchiveBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the judge routes on group.
func (h *JudgeController) Register(group *gin.RouterGroup) {
	group.GET("/submissions/:id", h.GetStatus)
	group.GET("/submissions/:id/stream", h.StreamStatus)
	group.POST("/submissions/:id/rejudge", h.Rejudge)
	group.PUT("/problems/:id/archive", h.UploadArchive)
}

// GetStatus returns the current result of one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID, ok := parseID(c)
	if !ok {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	res, err := h.results.Query(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// StreamStatus upgrades to a websocket and pushes snapshots until the
// submission is final or the client goes away.
func (h *JudgeController) StreamStatus(c *gin.Context) {
	submissionID, ok := parseID(c)
	if !ok {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	ctx := c.Request.Context()
	// Subscribe before the first query so no update falls in between.
	updates, cancel := h.results.Subscribe(submissionID)
	defer cancel()

	first, err := h.results.Query(ctx, submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := writeSnapshot(conn, first); err != nil || isTerminal(first) {
		closeStream(conn)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				// The last snapshot may have been dropped; read the persisted one.
				final, err := h.results.Query(context.WithoutCancel(ctx), submissionID)
				if err == nil {
					_ = writeSnapshot(conn, final)
				}
				closeStream(conn)
				return
			}
			if err := writeSnapshot(conn, snap); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, res model.SubmissionResult) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(res)
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "final")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func isTerminal(res model.SubmissionResult) bool {
	return res.Status != model.VerdictPending && res.Status != model.VerdictJudging
}

// Rejudge requeues a finished submission.
func (h *JudgeController) Rejudge(c *gin.Context) {
	submissionID, ok := parseID(c)
	if !ok {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	ctx := c.Request.Context()
	sub, err := h.submissions.Get(ctx, submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if sub.Status != model.StatusDone {
		response.BadRequest(c, "Submission is still being judged")
		return
	}
	if err := h.results.Reset(ctx, submissionID); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.submissions.SetStatus(ctx, submissionID, model.StatusPending); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.submitter.Publish(ctx, model.SubmitMessage{
		SubmissionID: sub.SubmissionID,
		ProblemID:    sub.ProblemID,
		Language:     sub.Language,
	}); err != nil {
		response.Error(c, err)
		return
	}
	logger.Info(ctx, "submission requeued", zap.Int64("submission_id", submissionID))
	response.Success(c, RejudgeResponse{
		SubmissionID: submissionID,
		Status:       string(model.StatusPending),
	})
}

// UploadArchive validates the request body as a problem zip and stores it.
func (h *JudgeController) UploadArchive(c *gin.Context) {
	problemID, ok := parseID(c)
	if !ok {
		response.BadRequest(c, "Invalid problem id")
		return
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxArchiveBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.BadRequest(c, "Archive is too large")
			return
		}
		response.Error(c, appErr.Wrap(err, appErr.InvalidParams))
		return
	}
	if len(data) == 0 {
		response.BadRequest(c, "Archive body is required")
		return
	}
	if err := h.archives.Upload(c.Request.Context(), problemID, data); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, UploadArchiveResponse{
		ProblemID: problemID,
		SizeBytes: int64(len(data)),
	})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RejudgeResponse defines rejudge response payload.
type RejudgeResponse struct {
	SubmissionID int64  `json:"submissionId"`
	Status       string `json:"status"`
}

// UploadArchiveResponse defines archive upload response payload.
type UploadArchiveResponse struct {
	ProblemID int64 `json:"problemId"`
	SizeBytes int64 `json:"sizeBytes"`
}
