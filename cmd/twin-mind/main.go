package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/pego/twin-mind/internal"
	"github.com/rs/zerolog"
)

// version is set via ldflags at build time
var version = "dev"

// exitBusy is EX_TEMPFAIL: the store was locked, retrying may succeed.
const exitBusy = 75

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if p, ok := parsePlugin(os.Args[1:]); ok {
		code, err := p.run(ctx, version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "twin-mind %s: %v\n", p.name, err)
		}
		os.Exit(code)
	}

	rootCmd := NewRootCmd(version, newApp(os.Stderr))
	if err := fang.Execute(ctx, rootCmd); err != nil {
		if errors.Is(err, internal.ErrStoreBusy) {
			os.Exit(exitBusy)
		}
		os.Exit(1)
	}
}

func isBuiltin(name string) bool {
	for _, c := range NewRootCmd(version, nil).Commands() {
		if c.Name() == name || c.HasAlias(name) {
			return true
		}
	}
	return name == "help" || name == "completion"
}

type app struct {
	resolver *internal.ScopeResolver
	uc       *internal.UseCases
	logOut   io.Writer
	verbose  bool
}

func newApp(logOut io.Writer) *app {
	a := &app{
		resolver: internal.NewScopeResolver(),
		logOut:   logOut,
	}
	a.uc = internal.NewUseCases(a.resolver, a.brainFor)
	return a
}

// brainFor opens the brain of scope with a logger at the configured level;
// --verbose forces debug.
func (a *app) brainFor(scope internal.Scope) (*internal.Brain, error) {
	level := "info"
	if cfg, err := internal.LoadConfig(scope); err == nil {
		level = cfg.LogLevel
	}
	if a.verbose {
		level = "debug"
	}
	return internal.OpenBrain(scope, a.logger(level))
}

func (a *app) logger(level string) zerolog.Logger {
	if a.logOut == nil {
		return zerolog.Nop()
	}
	return internal.NewLogger(a.logOut, level, isTerminal(a.logOut))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
