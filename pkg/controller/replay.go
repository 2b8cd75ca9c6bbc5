// Package controller holds the HTTP handlers of the public API.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nimburion/dlqreplay/pkg/history"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/replay"
	"github.com/nimburion/dlqreplay/pkg/server/router"
)

const (
	invalidHoursBackMessage = "Invalid hoursBack value, must be greater than 0"
	maxRunsLimit            = 500
)

// Replayer runs one replay invocation.
type Replayer interface {
	Replay(ctx context.Context, hoursBack int) (*replay.Summary, error)
}

// ReplayFailureResponse is returned when a replay aborts. Data holds the partial summary when
// the broker was reached at all.
type ReplayFailureResponse struct {
	Error     string          `json:"error"`
	Data      *replay.Summary `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// ReplayController exposes the replay trigger and the run history.
type ReplayController struct {
	replayer Replayer
	runs     history.Store
	log      logger.Logger
}

// NewReplayController creates the controller. A nil store serves an empty history.
func NewReplayController(replayer Replayer, runs history.Store, log logger.Logger) *ReplayController {
	if runs == nil {
		runs = history.NopStore{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ReplayController{replayer: replayer, runs: runs, log: log}
}

// Register mounts the routes. replayMiddleware applies to the trigger only.
func (rc *ReplayController) Register(r router.Router, replayMiddleware ...router.MiddlewareFunc) {
	r.GET("/dlq-replay/:hoursBack", rc.Replay, replayMiddleware...)
	r.GET("/replay-runs", rc.ListRuns)
	r.GET("/replay-runs/:id", rc.GetRun)
}

// Replay handles GET /dlq-replay/:hoursBack.
func (rc *ReplayController) Replay(c router.Context) error {
	hoursBack, err := ParseIntParam(c.Param("hoursBack"), "gt=0")
	if err != nil {
		return Error(c, NewBadRequestError(invalidHoursBackMessage, err))
	}

	ctx := c.Request().Context()
	summary, err := rc.replayer.Replay(ctx, hoursBack)
	if err != nil {
		if errors.Is(err, replay.ErrInvalidArgument) {
			return Error(c, NewBadRequestError(invalidHoursBackMessage, err))
		}
		rc.log.WithContext(ctx).Error("replay request failed", "hours_back", hoursBack, "error", err)
		return c.JSON(http.StatusInternalServerError, ReplayFailureResponse{
			Error:     "Error processing messages: " + err.Error(),
			Data:      summary,
			RequestID: logger.RequestIDFromContext(ctx),
		})
	}

	return SuccessWithMessage(c, fmt.Sprintf("Replayed %d messages", summary.Replayed), summary)
}

// ListRuns handles GET /replay-runs?limit=N.
func (rc *ReplayController) ListRuns(c router.Context) error {
	limit := history.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := ParseIntParam(raw, fmt.Sprintf("gt=0,lte=%d", maxRunsLimit))
		if err != nil {
			return Error(c, NewBadRequestError(fmt.Sprintf("limit must be between 1 and %d", maxRunsLimit), err))
		}
		limit = parsed
	}

	runs, err := rc.runs.List(c.Request().Context(), limit)
	if err != nil {
		return Error(c, NewInternalError("Error listing replay runs", err))
	}
	return Success(c, runs)
}

// GetRun handles GET /replay-runs/:id.
func (rc *ReplayController) GetRun(c router.Context) error {
	id := c.Param("id")
	run, err := rc.runs.Get(c.Request().Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		return Error(c, NewNotFoundError(fmt.Sprintf("replay run %q not found", id), err))
	}
	if err != nil {
		return Error(c, NewInternalError("Error loading replay run", err))
	}
	return Success(c, run)
}
