package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sethdford/vibex-sub011/internal/logging"
)

const usageText = `usage: flowctl <command> [flags]

commands:
  run <file>       run a workflow (-debug, -break a,b, -interactive, -json)
  validate <file>  check a workflow definition without running it
  plan <file>      draw the execution plan (-format ascii|mermaid|png|svg|dot)
  reports          list stored run reports, or show one with -id
  serve            serve the MCP tools over stdio
  schedule         run workflows from the schedule file on their cron specs
  version          print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "version", "-v", "--version":
		printVersion()
		return
	case "help", "-h", "--help":
		fmt.Print(usageText)
		return
	}

	cfg := loadConfig()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "run":
		err = runRun(ctx, cfg, logger, args)
	case "validate":
		err = runValidate(ctx, cfg, logger, args)
	case "plan":
		err = runPlan(ctx, cfg, logger, args)
	case "reports":
		err = runReports(ctx, cfg, logger, args)
	case "serve":
		err = runServe(ctx, cfg, logger, args)
	case "schedule":
		err = runSchedule(ctx, cfg, logger, args)
	default:
		err = usageError("unknown command %q\n\n%s", cmd, usageText)
	}
	if err == nil {
		return
	}

	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if ee == nil || ee.msg != "" {
		printErr(os.Stderr, err)
	}
	stop()
	os.Exit(code)
}
