package middleware

import (
	"github.com/pharos-kms/pharos/backend/internal/util"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/pharos-kms/pharos/backend/pkg/ai"
	oai "github.com/pharos-kms/pharos/backend/pkg/ai/ollama"
	gai "github.com/pharos-kms/pharos/backend/pkg/ai/openai"
	"github.com/pharos-kms/pharos/backend/pkg/logger"
	"github.com/pharos-kms/pharos/backend/pkg/retrieval"
	pgxstore "github.com/pharos-kms/pharos/backend/pkg/store/pgx"
)

// App carries the request-scoped handles a handler needs: the database
// pool, the pgx-backed store over it, the embedding client, and the token
// counter for expansion budgets.
type App struct {
	DBConn   *pgxpool.Pool
	Store    *pgxstore.Store
	Embedder ai.EmbeddingClient
	Tokens   retrieval.TokenCounter
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(
	db *pgxpool.Pool,
	tokens retrieval.TokenCounter,
) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			adapter := util.GetEnv("AI_ADAPTER")
			var embedder ai.EmbeddingClient

			switch adapter {
			case "ollama":
				client, err := oai.NewEmbeddingOllamaClient(oai.NewEmbeddingOllamaClientParams{
					EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
					Dimensions:     int(util.GetEnvNumeric("AI_EMBED_DIM", 1536)),

					BaseURL: util.GetEnv("AI_EMBED_URL"),
					ApiKey:  util.GetEnv("AI_EMBED_KEY"),

					MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
				})
				if err != nil {
					logger.Fatal("Failed to create Ollama client", "err", err)
				}
				embedder = client
			default:
				embedder = gai.NewEmbeddingOpenAIClient(gai.NewEmbeddingOpenAIClientParams{
					EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
					Dimensions:     int(util.GetEnvNumeric("AI_EMBED_DIM", 1536)),

					BaseURL: util.GetEnv("AI_EMBED_URL"),
					ApiKey:  util.GetEnv("AI_EMBED_KEY"),

					MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
				})
			}

			appContext := &AppContext{
				Context: c,
				App: &App{
					DBConn:   db,
					Store:    pgxstore.NewStore(db),
					Embedder: embedder,
					Tokens:   tokens,
				},
			}
			return next(appContext)
		}
	}
}
