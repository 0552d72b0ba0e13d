// aoflog-rewrite compacts an append-only operation log offline: it replays
// the log into memory and rewrites it as the minimal equivalent sequence of
// operations. The server owning the log must be stopped first.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aoflog/aoflog/core"
	"github.com/aoflog/aoflog/engine"
)

func main() {
	filePath := flag.String("file", "", "Path to the log file to rewrite (required)")
	autoRepair := flag.Bool("auto-repair", false, "Truncate a corrupt log to its valid prefix before rewriting")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	logOutput := flag.String("log-output", "stdout", "Log output (stdout, file, none)")
	logFile := flag.String("log-file", "aoflog-rewrite.log", "Path to log file if output is 'file'")
	flag.Parse()

	if *filePath == "" {
		fmt.Println("Usage: aoflog-rewrite -file <path_to_log> [-auto-repair]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := setupLogger(*logLevel, *logOutput, *logFile)

	if err := run(*filePath, *autoRepair, logger); err != nil {
		logger.Error("Rewrite failed.", "error", err)
		os.Exit(1)
	}
}

func run(path string, autoRepair bool, logger *slog.Logger) error {
	e, err := engine.Open(engine.Options{
		Path:       path,
		SyncMode:   core.SyncNever, // single offline pass, synced at the swap
		AutoRepair: autoRepair,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	sizeBefore := e.Status().LogSize
	if _, err := e.TriggerRewrite(context.Background()); err != nil {
		return err
	}
	st := e.Status()
	logger.Info("Rewrite complete.", "path", path, "keys", st.Keys, "size_before", sizeBefore, "size_after", st.LogSize)
	return nil
}

func setupLogger(level, output, file string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		fmt.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	switch strings.ToLower(output) {
	case "stdout":
	case "file":
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			slog.Error("Failed to open log file", "path", file, "error", err)
			os.Exit(1)
		}
		out = f
	case "none":
		out = io.Discard
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}
