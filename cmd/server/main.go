package main

import (
	"github.com/pharos-kms/pharos/backend/internal/server"
	"github.com/pharos-kms/pharos/backend/internal/util"
	"github.com/pharos-kms/pharos/backend/pkg/logger"
	"github.com/pharos-kms/pharos/backend/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
