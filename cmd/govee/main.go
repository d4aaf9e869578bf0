package main

import (
	"github.com/charmbracelet/log"
	"github.com/wheelibin/goveed/cmd/govee/commands"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {

	logger := log.NewWithOptions(&lumberjack.Logger{
		Filename: "logs/govee.log",
		MaxAge:   3,
	}, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      "2006/01/02 15:04:05",
		ReportTimestamp: true,
	})
	logger.Info("govee starting")

	commands.Execute(logger)
}
