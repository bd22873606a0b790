package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// optionalBool parses a query parameter that may be absent.
func optionalBool(c echo.Context, name string) (*bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := cast.ToBoolE(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be a boolean")
	}
	return &v, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := cast.ToIntE(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return v, nil
}

func (s *Server) handleSuggest(c echo.Context) error {
	var req retrieval.Query
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := s.svc.Retrieval.SuggestComponents(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleFewShot(c echo.Context) error {
	var req FewShotRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	block, err := s.svc.Retrieval.BuildFewShotBlock(c.Request().Context(), training.FewShotRequest{
		QueryText: req.Query,
		K:         req.K,
		Diverse:   req.Diverse,
		Intent:    req.Intent,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FewShotResponse{Examples: block.Examples, Prompt: block.String()})
}

func (s *Server) handleSubmitFeedback(c echo.Context) error {
	var req feedback.SubmitInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ingestNow, err := optionalBool(c, "ingest")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	fb, err := s.svc.Feedback.Submit(ctx, req)
	if err != nil {
		return err
	}
	resp := SubmitFeedbackResponse{Feedback: fb}
	if ingestNow != nil && *ingestNow {
		// The record is stored; a failed ingest is retried by the sweeper.
		res, err := s.svc.Ingest.Ingest(ctx, fb.ID)
		if err != nil {
			s.logger.Warn("immediate ingest failed", zap.String("feedback_id", fb.ID), zap.Error(err))
		} else {
			resp.Result = res
			if fb, err = s.svc.Feedback.Get(ctx, fb.ID); err == nil {
				resp.Feedback = fb
			}
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGetFeedback(c echo.Context) error {
	fb, err := s.svc.Feedback.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fb)
}

func (s *Server) handleIngest(c echo.Context) error {
	res, err := s.svc.Ingest.Ingest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRecordExample(c echo.Context) error {
	var req RecordExampleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := s.svc.Training.Record(c.Request().Context(), training.RecordInput{
		JobID:          req.JobID,
		Query:          req.Query,
		SourceMarkdown: req.SourceMarkdown,
		Intent:         req.Intent,
		Components:     req.Components,
		ModelVersion:   req.ModelVersion,
		PromptVersion:  req.PromptVersion,
		Confidence:     req.Confidence,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (s *Server) handleGetExample(c echo.Context) error {
	e, err := s.svc.Training.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (s *Server) handleResolveExample(c echo.Context) error {
	var req ResolveExampleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	err := s.svc.Training.Resolve(ctx, id, training.Resolution{
		Correct:     req.Correct,
		Missing:     req.Missing,
		Extra:       req.Extra,
		Corrections: req.Corrections,
	})
	if err != nil {
		return err
	}
	return s.handleGetExample(c)
}

func (s *Server) handleApproveExample(c echo.Context) error {
	var req ApproveExampleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	weight := training.DefaultWeight
	if req.Weight != nil {
		weight = *req.Weight
	}
	if err := s.svc.Training.Approve(c.Request().Context(), c.Param("id"), weight); err != nil {
		return err
	}
	return s.handleGetExample(c)
}

func (s *Server) handleUpsertPattern(c echo.Context) error {
	var req UpsertPatternRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := s.svc.Patterns.Upsert(c.Request().Context(), patterns.Input{
		Signal:        req.Signal,
		MatchKind:     patterns.MatchKind(strings.ToLower(req.MatchKind)),
		ComponentType: req.ComponentType,
		Category:      component.Category(req.Category),
		Aliases:       req.Aliases,
		Requirements:  req.Requirements,
		Active:        req.Active,
		Source:        patterns.SourceManual,
		ExampleQuery:  req.ExampleQuery,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, IDResponse{ID: id})
}

func (s *Server) handleListPatterns(c echo.Context) error {
	var (
		f   patterns.Filter
		err error
	)
	if f.Active, err = optionalBool(c, "active"); err != nil {
		return err
	}
	if f.Candidate, err = optionalBool(c, "candidate"); err != nil {
		return err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return err
	}
	f.ComponentType = c.QueryParam("component_type")

	out, err := s.svc.Patterns.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetPattern(c echo.Context) error {
	p, err := s.svc.Patterns.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleSetPatternActive(active bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := s.svc.Patterns.SetActive(c.Request().Context(), c.Param("id"), active)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, p)
	}
}

func (s *Server) handleCreatePrompt(c echo.Context) error {
	var req prompts.CreateInput
	if err := bind(c, &req); err != nil {
		return err
	}
	v, err := s.svc.Prompts.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) handleListPrompts(c echo.Context) error {
	out, err := s.svc.Prompts.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleActivePrompt(c echo.Context) error {
	v, err := s.svc.Prompts.Active(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleGetPrompt(c echo.Context) error {
	v, err := s.svc.Prompts.Get(c.Request().Context(), c.Param("version"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleActivatePrompt(c echo.Context) error {
	v, err := s.svc.Prompts.Activate(c.Request().Context(), c.Param("version"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handlePromptUsage(c echo.Context) error {
	var req PromptUsageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	version := c.Param("version")
	if err := s.svc.Prompts.RecordUsage(ctx, version, req.Succeeded, req.Rating); err != nil {
		return err
	}
	v, err := s.svc.Prompts.Get(ctx, version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleRelated(c echo.Context) error {
	minConfidence := 0.0
	if raw := c.QueryParam("min_confidence"); raw != "" {
		v, err := cast.ToFloat64E(raw)
		if err != nil || v < 0 || v > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "min_confidence must be within [0, 1]")
		}
		minConfidence = v
	}
	out, err := s.svc.CoOccurrence.GetRelated(c.Request().Context(), c.Param("component"), minConfidence)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListAnomalies(c echo.Context) error {
	var (
		f   feedback.AnomalyFilter
		err error
	)
	if f.Resolved, err = optionalBool(c, "resolved"); err != nil {
		return err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return err
	}
	f.Kind = c.QueryParam("kind")
	f.FeedbackID = c.QueryParam("feedback_id")

	out, err := s.svc.Feedback.ListAnomalies(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleResolveAnomaly(c echo.Context) error {
	var req ResolveAnomalyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.svc.Feedback.ResolveAnomaly(c.Request().Context(), c.Param("id"), req.Note); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
