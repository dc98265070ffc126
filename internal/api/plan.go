package api

import (
	"errors"
	"net/http"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/geometry"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/ratelimit"
	"github.com/dunamismax/pixelfit/internal/strategy"
)

type planStage struct {
	Ratio      float64 `json:"ratio"`
	Cumulative float64 `json:"cumulative"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

type planResponse struct {
	Source     geometry.Dimensions    `json:"source"`
	Canvas     geometry.Dimensions    `json:"canvas"`
	SourceRect geometry.Rect          `json:"source_rect"`
	DestRect   geometry.Rect          `json:"dest_rect"`
	DrawSource geometry.Rect          `json:"draw_source"`
	DrawDest   geometry.Rect          `json:"draw_dest"`
	TrimAfter  bool                   `json:"trim_after"`
	Analysis   strategy.ImageAnalysis `json:"analysis"`
	Quality    string                 `json:"quality"`
	Stages     []planStage            `json:"stages"`
}

// handlePlan resolves geometry and the downscale schedule for a resize without
// touching any pixels. It is charged by source area so planning huge images
// drains the caller's bucket faster.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req domain.PlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src := geometry.Dimensions{Width: req.SourceWidth, Height: req.SourceHeight}
	if !s.consume(w, r, ratelimit.Cost(src.Area(), s.pixelsPerCost)) {
		return
	}

	pref, err := strategy.ParsePreference(req.Preference)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := pipeline.ResizeSpecFromStep(req.Resize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	geo, err := geometry.Resolve(src, spec)
	if err != nil {
		writeError(w, planErrorStatus(err), err.Error())
		return
	}

	analysis := s.selector.Analyze(src)
	quality := analysis.Quality(pref)
	drawSrc, drawDst := geo.Clip()

	resp := planResponse{
		Source:     src,
		Canvas:     geo.Canvas,
		SourceRect: geo.SourceRect,
		DestRect:   geo.DestRect,
		DrawSource: drawSrc,
		DrawDest:   drawDst,
		TrimAfter:  geo.TrimAfter,
		Analysis:   analysis,
		Quality:    quality.String(),
		Stages:     []planStage{},
	}

	content := geo.DestRect.Size()
	if spec.HasTarget() && content.Valid() {
		plan, err := downscale.Plan(geo.SourceRect.Size(), content, quality, s.planner)
		if err != nil {
			writeError(w, planErrorStatus(err), err.Error())
			return
		}
		cumulative := downscale.Cumulative(plan)
		for i, size := range downscale.StageSizes(geo.SourceRect.Size(), content, plan) {
			resp.Stages = append(resp.Stages, planStage{
				Ratio:      plan[i],
				Cumulative: cumulative[i],
				Width:      size.Width,
				Height:     size.Height,
			})
		}
	}

	s.metrics.planStages.WithLabelValues(analysis.Strategy.String()).Observe(float64(len(resp.Stages)))
	writeJSON(w, http.StatusOK, resp)
}

func planErrorStatus(err error) int {
	var (
		invalid    *geometry.InvalidTargetError
		degenerate *geometry.DegenerateSourceError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &degenerate), errors.Is(err, geometry.ErrConflictingBounds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
