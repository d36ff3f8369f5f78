package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pharos-kms/pharos/backend/internal/migrations"
	mid "github.com/pharos-kms/pharos/backend/internal/server/middleware"
	"github.com/pharos-kms/pharos/backend/internal/util"
	"github.com/pharos-kms/pharos/backend/pkg/logger"
	"github.com/pharos-kms/pharos/backend/pkg/retrieval"

	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := util.GetEnv("DATABASE_URL")
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Failed to parse database config", "err", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	conn, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	err = util.RetryErrWithContext(ctx, 5, func(ctx context.Context) error {
		return conn.Ping(ctx)
	})
	if err != nil {
		logger.Fatal("Database not reachable", "err", err)
	}

	err = util.RetryErr(3, func() error {
		return migrations.Up(databaseURL)
	})
	if err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	encoding := util.GetEnvString("AI_TOKEN_ENCODING", util.DefaultEncoding)
	counter, err := util.NewTokenCounter(encoding)
	if err != nil {
		logger.Fatal("Failed to load token encoding", "encoding", encoding, "err", err)
	}

	e.Use(mid.AppContextMiddleware(conn, retrieval.TokenCounter(counter)))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
