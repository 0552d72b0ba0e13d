// aoflog-check validates an append-only operation log and optionally
// repairs it by truncating to the longest valid prefix. It is an offline
// maintenance tool: never run it against a log a live server owns.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aoflog/aoflog/aof"
	"github.com/aoflog/aoflog/core"
)

func main() {
	filePath := flag.String("file", "", "Path to the log file to check (required)")
	fix := flag.Bool("fix", false, "Truncate the file to its longest valid prefix instead of only reporting")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	logOutput := flag.String("log-output", "stdout", "Log output (stdout, file, none)")
	logFile := flag.String("log-file", "aoflog-check.log", "Path to log file if output is 'file'")
	flag.Parse()

	if *filePath == "" {
		fmt.Println("Usage: aoflog-check -file <path_to_log> [-fix]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := setupLogger(*logLevel, *logOutput, *logFile)

	report, err := aof.CheckAndRepair(*filePath, *fix)
	switch {
	case err == nil && report.Corruption == nil:
		logger.Info("Log is valid.", "path", report.Path, "entries", report.Entries, "bytes", report.ValidLength)
	case err == nil && report.Repaired:
		logger.Info("Log repaired.", "path", report.Path, "kept_entries", report.Entries, "truncated_to", report.ValidLength, "reason", report.Corruption.Reason)
	case errors.As(err, new(*core.CorruptionError)):
		logger.Error("Log is corrupt; re-run with -fix to truncate to the valid prefix.",
			"path", report.Path, "valid_entries", report.Entries, "valid_length", report.ValidLength, "reason", report.Corruption.Reason)
		os.Exit(1)
	default:
		logger.Error("Check failed.", "path", *filePath, "error", err)
		os.Exit(1)
	}
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
