package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelhq/keel/cmd/keel/commands"
	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/telemetry"
)

// Set with -ldflags "-X main.Version=... -X main.Commit=... -X main.BuildDate=...".
// Left empty, they are read from the module build info.
var (
	Version   string
	Commit    string
	BuildDate string
)

// Exit codes.
const (
	exitFailure  = 1
	exitRejected = 2
	exitLocked   = 3
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(telemetry.ParseLogLevel(os.Getenv(config.EnvLogLevel)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := resolveBuild(Version, Commit, BuildDate, debug.ReadBuildInfo)
	if err := commands.Execute(ctx, info.version, info.commit, info.date); err != nil {
		log.Error().Err(err).Msg("Command failed")
		stop()
		os.Exit(exitCode(err))
	}
}

type build struct {
	version string
	commit  string
	date    string
}

// resolveBuild fills whatever the linker left unset from the Go build info.
func resolveBuild(version, commit, date string, read func() (*debug.BuildInfo, bool)) build {
	b := build{version: version, commit: commit, date: date}

	if bi, ok := read(); ok {
		if b.version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			b.version = bi.Main.Version
		}
		dirty := false
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.commit == "" {
					b.commit = s.Value
					if len(b.commit) > 12 {
						b.commit = b.commit[:12]
					}
				}
			case "vcs.time":
				if b.date == "" {
					b.date = s.Value
				}
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if dirty && commit == "" && b.commit != "" {
			b.commit += "-dirty"
		}
	}

	if b.version == "" {
		b.version = "dev"
	}
	if b.commit == "" {
		b.commit = "unknown"
	}
	if b.date == "" {
		b.date = "unknown"
	}
	return b
}

// exitCode maps rejected plans and lock conflicts to their own codes so
// scripts can tell them apart from infrastructure failures.
func exitCode(err error) int {
	switch {
	case engine.IsLockConflict(err):
		return exitLocked
	case engine.IsPlanningError(err):
		return exitRejected
	default:
		return exitFailure
	}
}
