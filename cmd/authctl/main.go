package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: authctl [flags] <command> [args]

commands:
  login          sign in with email and password
  register       create an account
  google-login   sign in with Google in the browser
  logout         forget the stored credentials
  whoami         show the signed-in user
  refresh        mint a new access token
  verify         ask the backend whether the access token is valid
  get PATH       GET a protected backend path and print the response
  profile NAME   change the full name
  passwd         change the password
  delete         delete the account
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, authmodel.UserMessage(err))
		log.Debug().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config.New: %w", err)
	}

	flags := flag.NewFlagSet("authctl", flag.ContinueOnError)
	flags.SetOutput(stdout)
	flags.Usage = func() { fmt.Fprint(stdout, usage) }
	quiet := flags.Bool("quiet", false, "do not print the banner")
	storeKind := flags.String("store", cfg.GetStoreKind(), "credential store: file, redis or memory")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return flag.ErrHelp
	}

	setupLogging(cfg.GetLogLevel())
	if !*quiet {
		displayAppname(stdout, cfg.GetAppName())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if addr := cfg.GetMetricsAddr(); addr != "" {
		server := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go listenAndServe(server)
		defer shutdown(server)
	}

	a, err := newApp(ctx, cfg, *storeKind, reg, stdin, stdout)
	if err != nil {
		return err
	}
	defer a.close()

	return a.dispatch(ctx, flags.Arg(0), flags.Args()[1:])
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func listenAndServe(server *http.Server) {
	log.Debug().Str("addr", server.Addr).Msg("metrics listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Err(err).Msg("metrics server stopped")
	}
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Err(err).Msg("server.Shutdown")
	}
}

func displayAppname(w io.Writer, appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	fmt.Fprintln(w, myFigure.String())
}
