package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/pharos-kms/pharos/backend/internal/server/middleware"
	"github.com/pharos-kms/pharos/backend/internal/util"
	"github.com/pharos-kms/pharos/backend/pkg/common"
	"github.com/pharos-kms/pharos/backend/pkg/logger"
	"github.com/pharos-kms/pharos/backend/pkg/retrieval"
	pgxstore "github.com/pharos-kms/pharos/backend/pkg/store/pgx"

	"github.com/labstack/echo/v4"
)

// RetrieveHandler runs one retrieval request against the pgx-backed store.
//
// Scores in the response are raw fused scores and are not normalized across
// requests. An empty expansion list with status 200 means the query matched
// nothing; 502 is returned only when every signal source failed.
//
// The two pagination fields count different things: total is the number of
// chunk candidates before the top_k cut, while offset skips whole expansion
// records (parents) in the response.
func RetrieveHandler(c echo.Context) error {
	type retrieveBody struct {
		Query    string `json:"query" validate:"required"`
		Strategy string `json:"strategy" validate:"required,oneof=keyword semantic graphrag hybrid"`

		TopK          int `json:"top_k" validate:"omitempty,gte=0"`
		ContextWindow int `json:"context_window" validate:"omitempty,gte=0"`
		Offset        int `json:"offset" validate:"omitempty,gte=0"`

		MaxHops               int      `json:"max_hops" validate:"omitempty,gte=0"`
		RelationTypes         []string `json:"relation_types"`
		PrioritizeContradicts bool     `json:"prioritize_contradicts"`

		RRFK            int                `json:"rrf_k" validate:"omitempty,gte=0"`
		SourceWeights   map[string]float64 `json:"source_weights"`
		SourceTimeoutMs int                `json:"source_timeout_ms" validate:"omitempty,gte=0"`
		TokenBudget     int                `json:"token_budget" validate:"omitempty,gte=0"`
		ParentIDs       []string           `json:"parent_ids"`
	}

	type retrieveResponse struct {
		Message    string                   `json:"message"`
		RequestID  string                   `json:"request_id"`
		Expansions []retrieval.Expansion    `json:"expansions,omitempty"`
		Total      int                      `json:"total"`
		Trace      *retrieval.TraceSnapshot `json:"trace,omitempty"`
	}

	requestID := util.NewRequestID()

	data := new(retrieveBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, retrieveResponse{
			Message:   "Invalid request body",
			RequestID: requestID,
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, retrieveResponse{
			Message:   "Invalid request body",
			RequestID: requestID,
		})
	}

	relationTypes := make([]common.RelationType, 0, len(data.RelationTypes))
	for _, t := range data.RelationTypes {
		relationTypes = append(relationTypes, common.RelationType(t))
	}

	app := c.(*middleware.AppContext).App
	trace := retrieval.NewRetrievalTrace()
	orch := retrieval.NewOrchestrator(
		app.Store,
		app.Store,
		pgxstore.Sources(app.Store, app.Embedder),
		retrieval.WithTracer(trace),
		retrieval.WithOrchestratorTokenCounter(app.Tokens),
	)

	ctx := c.Request().Context()
	result, err := orch.Retrieve(ctx, data.Query, retrieval.Options{
		Strategy:              retrieval.Strategy(data.Strategy),
		TopK:                  data.TopK,
		ContextWindow:         data.ContextWindow,
		MaxHops:               data.MaxHops,
		RelationTypes:         relationTypes,
		PrioritizeContradicts: data.PrioritizeContradicts,
		RRFK:                  data.RRFK,
		SourceWeights:         data.SourceWeights,
		SourceTimeout:         time.Duration(data.SourceTimeoutMs) * time.Millisecond,
		TokenBudget:           data.TokenBudget,
		ParentFilter:          data.ParentIDs,
	})
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrInvalidParameter):
			return c.JSON(http.StatusBadRequest, retrieveResponse{
				Message:   err.Error(),
				RequestID: requestID,
			})
		case errors.Is(err, retrieval.ErrAllSourcesFailed):
			logger.Error("All retrieval sources failed", "request_id", requestID, "err", err)
			return c.JSON(http.StatusBadGateway, retrieveResponse{
				Message:   "All retrieval sources failed",
				RequestID: requestID,
			})
		default:
			logger.Error("Retrieval failed", "request_id", requestID, "err", err)
			return c.JSON(http.StatusInternalServerError, retrieveResponse{
				Message:   "Internal server error",
				RequestID: requestID,
			})
		}
	}

	expansions := result.Expansions
	if data.Offset >= len(expansions) {
		expansions = nil
	} else {
		expansions = expansions[data.Offset:]
	}

	snapshot := trace.Snapshot()
	return c.JSON(http.StatusOK, retrieveResponse{
		Message:    "OK",
		RequestID:  requestID,
		Expansions: expansions,
		Total:      result.Total,
		Trace:      &snapshot,
	})
}
