package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"everlaunch/internal/app"
	"everlaunch/internal/assertion"
	"everlaunch/internal/domain"
	"everlaunch/internal/repo"
	"everlaunch/internal/runner"
)

func registerRuns(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "run-regression-tests",
		Method:      http.MethodPost,
		Path:        "/regression-tests/run",
		Summary:     "Run active regression scenarios",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body *RunRequest `required:"false"`
	}) (*struct {
		Status int
		Body   RunResponse `json:"body"`
	}, error) {
		var filter runner.Filter
		if input.Body != nil {
			filter = runner.Filter{VerticalID: input.Body.VerticalID, RunAll: input.Body.RunAll}
		}
		h.logger.Info("regression run requested",
			zap.String("actor", subjectFromContext(ctx)),
			zap.Bool("run_all", filter.RunAll))
		// The run keeps going if the caller disconnects so the record is completed.
		summary, err := h.runner.Run(context.WithoutCancel(ctx), filter)
		out := &struct {
			Status int
			Body   RunResponse `json:"body"`
		}{Status: http.StatusOK}
		if err != nil {
			out.Status = http.StatusInternalServerError
			if errors.Is(err, runner.ErrRunInProgress) {
				out.Status = http.StatusConflict
			}
			h.logger.Error("regression run failed", zap.Error(err))
			out.Body = RunResponse{Success: false, Error: err.Error(), Results: []domain.ScenarioOutcome{}}
			return out, nil
		}
		out.Body = runResponse(summary)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent test runs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		runs, err := h.repo.ListRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Items: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a test run with its results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunDetailResponse `json:"body"`
	}, error) {
		run, err := h.repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		results, err := h.repo.ListResults(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunDetailResponse `json:"body"`
		}{Body: RunDetailResponse{Run: run, Results: results}}, nil
	})
}

func registerScenarios(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-scenarios",
		Method:      http.MethodGet,
		Path:        "/scenarios",
		Summary:     "List scenarios",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		VerticalID string `query:"vertical_id"`
		Active     string `query:"active" enum:"true,false"`
	}) (*struct {
		Body ScenarioListResponse `json:"body"`
	}, error) {
		var filters repo.ScenarioFilters
		if input.VerticalID != "" {
			v, err := strconv.Atoi(input.VerticalID)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid vertical_id", map[string]any{"vertical_id": input.VerticalID})
			}
			filters.VerticalID = &v
		}
		if input.Active != "" {
			active := input.Active == "true"
			filters.Active = &active
		}
		items, err := h.repo.ListScenarios(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScenarioListResponse `json:"body"`
		}{Body: ScenarioListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "save-scenario",
		Method:        http.MethodPost,
		Path:          "/scenarios",
		Summary:       "Create or replace a scenario",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateScenarioRequest
	}) (*struct {
		Body domain.Scenario `json:"body"`
	}, error) {
		sc, err := app.ParseScenarioJSON(bodyBytes(ctx))
		if err != nil {
			var specErrs assertion.SpecErrors
			if errors.As(err, &specErrs) {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusBadRequest, "invalid_scenario", err.Error(), nil)
		}
		saved, err := h.repo.SaveScenario(ctx, sc)
		if err != nil {
			return nil, handleError(err)
		}
		h.logger.Info("scenario saved",
			zap.String("actor", subjectFromContext(ctx)),
			zap.String("scenario_id", saved.ID))
		return &struct {
			Body domain.Scenario `json:"body"`
		}{Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scenario",
		Method:      http.MethodGet,
		Path:        "/scenarios/{scenario_id}",
		Summary:     "Get a scenario",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ScenarioID string `path:"scenario_id"`
	}) (*struct {
		Body domain.Scenario `json:"body"`
	}, error) {
		sc, err := h.repo.GetScenario(ctx, input.ScenarioID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scenario `json:"body"`
		}{Body: sc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-scenario-active",
		Method:      http.MethodPatch,
		Path:        "/scenarios/{scenario_id}/active",
		Summary:     "Enable or disable a scenario",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ScenarioID string `path:"scenario_id"`
		Body       SetActiveRequest
	}) (*struct {
		Body domain.Scenario `json:"body"`
	}, error) {
		sc, err := h.repo.SetScenarioActive(ctx, input.ScenarioID, input.Body.IsActive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scenario `json:"body"`
		}{Body: sc}, nil
	})
}

// registerTools exposes the prompt generator and assertion evaluator on their own
// so scenario authors can iterate without a backend.
func registerTools(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "render-prompt",
		Method:      http.MethodPost,
		Path:        "/prompts/render",
		Summary:     "Render the system prompt for a vertical and channel",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RenderPromptRequest
	}) (*struct {
		Body RenderPromptResponse `json:"body"`
	}, error) {
		channel := strings.ToLower(strings.TrimSpace(input.Body.Channel))
		switch channel {
		case domain.ChannelPhone, domain.ChannelSMS, domain.ChannelChat, domain.ChannelWeb:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "channel must be one of phone, sms, chat, web", map[string]any{"channel": input.Body.Channel})
		}
		text := h.runner.Catalog.Generate(input.Body.VerticalID, channel, input.Body.ConfigOverrides)
		return &struct {
			Body RenderPromptResponse `json:"body"`
		}{Body: RenderPromptResponse{Prompt: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-assertions",
		Method:      http.MethodPost,
		Path:        "/assertions/evaluate",
		Summary:     "Evaluate assertions against a response",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest
	}) (*struct {
		Body EvaluateResponse `json:"body"`
	}, error) {
		out := assertion.Evaluate(input.Body.Response, input.Body.ToolsCalled, input.Body.ExpectedAssertions)
		resp := EvaluateResponse{
			Passed:           out.Passed,
			PassedAssertions: nonNil(out.PassedList),
			FailedAssertions: nonNil(out.FailedList),
		}
		return &struct {
			Body EvaluateResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"scenario,run,result,config"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := h.repo.LatestEvents(ctx, repo.EventFilters{
			Limit:      limit + 1,
			Before:     before,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: items}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func nonNil(in []domain.AssertionResult) []domain.AssertionResult {
	if in == nil {
		return []domain.AssertionResult{}
	}
	return in
}
