package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"minutes-api/config"
	"minutes-api/domain"
)

// Deps are the collaborators the HTTP handlers need.
type Deps struct {
	Store     Storage
	Auth      Authenticator
	Deduper   Deduper
	Extractor Extractor
	LLM       CircuitReporter
	Enqueue   config.Enqueue
	Log       *log.Logger
}

// nowFunc is replaced in tests.
var nowFunc = time.Now

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Log == nil {
		d.Log = log.StandardLogger()
	}
	e.POST("/api/analyze-meeting", analyzeMeeting(d.Extractor, d.Auth))
	e.POST("/api/meetings/:id/import", importMeeting(d))
	e.POST("/api/commands", postCommands(d))

	e.GET("/api/working-groups", getWorkingGroups(d.Store, d.Auth))
	e.GET("/api/meetings", getMeetings(d.Store, d.Auth))
	e.GET("/api/meetings/:id", getMeeting(d.Store, d.Auth))
	e.GET("/api/decisions", getDecisions(d.Store, d.Auth))
	e.GET("/api/tasks", getTasks(d.Store, d.Auth))
	e.GET("/api/issues", getIssues(d.Store, d.Auth))
	e.GET("/api/users", getUsers(d.Store, d.Auth))
	e.GET("/api/me", getMe(d.Store, d.Auth))
	e.GET("/api/dashboard", getDashboard(d.Store, d.Auth))
	e.GET("/healthz", healthz(d.Store, d.LLM))

	initCommandSender(d.Store, d.Deduper, d.Enqueue, d.Log)
}

// healthz fails only when storage is unreachable. An open LLM circuit marks
// the service degraded since record routes keep working.
func healthz(store Storage, breaker CircuitReporter) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p, ok := store.(Pinger); ok {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				metricsFrom(c).SetErrorStage("ping")
				c.Logger().Errorf("health check: %v", err)
				return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
			}
		}
		resp := healthResponse{Status: "ok"}
		if breaker != nil {
			resp.LLM = breaker.State()
			if resp.LLM == "open" {
				resp.Status = "degraded"
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func authenticate(c echo.Context, auth Authenticator) (string, error) {
	return auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

func unauthorized(c echo.Context, err error) error {
	metricsFrom(c).SetErrorStage("auth")
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error(), Kind: "unauthorized"})
}

func badRequest(c echo.Context, stage, msg string) error {
	metricsFrom(c).SetErrorStage(stage)
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg, Kind: "invalid_input"})
}

func storageFailure(c echo.Context, err error) error {
	metricsFrom(c).SetErrorStage("storage")
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
}

func postCommands(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, d.Auth)
		if err != nil {
			return unauthorized(c, err)
		}

		lr := io.LimitReader(c.Request().Body, postCommandMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		cmds := make([]domain.Command, 0, 4)
		if err := dec.Decode(&cmds); err != nil {
			return badRequest(c, "decode", "invalid body")
		}
		if len(cmds) == 0 {
			return badRequest(c, "decode", "no commands")
		}
		for i := range cmds {
			if cmds[i].EntityType == domain.KindUser {
				if cmds[i].EntityID != "" && cmds[i].EntityID != userID {
					return badRequest(c, "validate", fmt.Sprintf("command %d: cannot modify another user's profile", i))
				}
				cmds[i].EntityID = userID
			}
			if err := cmds[i].Validate(); err != nil {
				return badRequest(c, "validate", fmt.Sprintf("command %d: %v", i, err))
			}
		}
		return submitCommands(c, d, userID, cmds)
	}
}

// submitCommands assigns ids, idempotency keys and timestamps, drops
// duplicates and hands the rest to the command sender.
func submitCommands(c echo.Context, d Deps, userID string, cmds []domain.Command) error {
	metrics := metricsFrom(c)
	keys := finalizeCommands(cmds)
	metrics.Set("commands", len(cmds))

	fresh := cmds
	var added []string
	if d.Deduper != nil {
		results, err := d.Deduper.AddMany(c.Request().Context(), userID, keys)
		for i, ok := range results {
			if ok {
				added = append(added, keys[i])
			}
		}
		if err != nil {
			rollbackKeys(d.Deduper, d.Log, userID, added)
			metrics.SetErrorStage("dedupe")
			c.Logger().Errorf("dedupe failed: %v", err)
			return c.JSON(http.StatusInternalServerError, postCommandResponse{Error: "failed to enqueue commands"})
		}
		fresh = make([]domain.Command, 0, len(cmds))
		for i, ok := range results {
			if ok {
				fresh = append(fresh, cmds[i])
			}
		}
	}
	metrics.Set("duplicates", len(cmds)-len(fresh))
	if len(fresh) == 0 {
		return c.JSON(http.StatusAccepted, postCommandResponse{IdempotencyKeys: keys})
	}

	job := enqueueJob{userID: userID, cmds: fresh, added: added}
	if tryEnqueueJob(job) {
		return c.JSON(http.StatusAccepted, postCommandResponse{IdempotencyKeys: keys})
	}

	d.Log.Warn("enqueue buffer saturated; processing inline")
	metrics.Set("inline_enqueue", true)

	enqueueCtx, cancel := context.WithTimeout(bg, enqueueTimeout)
	enqueueErr := d.Store.EnqueueCommands(enqueueCtx, userID, fresh)
	cancel()

	if enqueueErr != nil {
		rollbackKeys(d.Deduper, d.Log, userID, added)
		metrics.SetErrorStage("enqueue")
		c.Logger().Errorf("enqueue inline failed: %v", enqueueErr)
		return c.JSON(http.StatusInternalServerError, postCommandResponse{Error: "failed to enqueue commands"})
	}
	return c.JSON(http.StatusAccepted, postCommandResponse{IdempotencyKeys: keys})
}

func finalizeCommands(cmds []domain.Command) []string {
	keys := make([]string, len(cmds))
	start := nextTimestampRange(len(cmds))
	for i := range cmds {
		if cmds[i].IdempotencyKey == "" {
			cmds[i].IdempotencyKey = uuid.NewString()
		}
		if cmds[i].Type == domain.CommandCreate && cmds[i].EntityID == "" {
			cmds[i].EntityID = uuid.NewString()
		}
		cmds[i].ID = cmds[i].IdempotencyKey
		cmds[i].Timestamp = start + int64(i)
		keys[i] = cmds[i].IdempotencyKey
	}
	return keys
}

func importMeeting(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, d.Auth)
		if err != nil {
			return unauthorized(c, err)
		}
		meetingID := c.Param("id")
		rec, err := d.Store.Get(c.Request().Context(), domain.KindMeeting, meetingID)
		if err != nil {
			return storageFailure(c, err)
		}
		if rec == nil {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "meeting not found"})
		}

		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, importMaxSize))
		dec.DisallowUnknownFields()
		var body importRequest
		if err := dec.Decode(&body); err != nil {
			return badRequest(c, "decode", "invalid body")
		}
		if len(body.Decisions) == 0 && len(body.Tasks) == 0 {
			return badRequest(c, "decode", "nothing to import")
		}

		cmds, err := importCommands(meetingID, body)
		if err != nil {
			return badRequest(c, "validate", err.Error())
		}
		return submitCommands(c, d, userID, cmds)
	}
}

func importCommands(meetingID string, body importRequest) ([]domain.Command, error) {
	cmds := make([]domain.Command, 0, len(body.Decisions)+len(body.Tasks))
	add := func(rec domain.Record) error {
		data, err := sonic.Marshal(rec)
		if err != nil {
			return err
		}
		cmd := domain.Command{EntityType: rec.Kind(), Type: domain.CommandCreate, Data: data}
		if err := cmd.Validate(); err != nil {
			return err
		}
		cmds = append(cmds, cmd)
		return nil
	}
	for i, dec := range body.Decisions {
		tags := dec.Tags
		if tags == nil {
			tags = []string{}
		}
		rec := domain.Decision{MeetingID: meetingID, Title: strings.TrimSpace(dec.Title), Context: dec.Context, Tags: domain.NormalizeTags(tags)}
		if err := add(rec); err != nil {
			return nil, fmt.Errorf("decision %d: %w", i, err)
		}
	}
	for i, t := range body.Tasks {
		rec := domain.Task{
			MeetingID:   meetingID,
			Title:       strings.TrimSpace(t.Title),
			Description: t.Description,
			Status:      domain.TaskPending,
			AssigneeID:  t.AssigneeID,
			DueDate:     t.DueDate,
		}
		if err := add(rec); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	if len(cmds) == 0 {
		return nil, errors.New("nothing to import")
	}
	return cmds, nil
}
