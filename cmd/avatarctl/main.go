package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/avatarlive/internal/config"
	"github.com/antoniostano/avatarlive/internal/liveavatar"
	"github.com/antoniostano/avatarlive/internal/lkroom"
	"github.com/antoniostano/avatarlive/internal/observability"
	"github.com/antoniostano/avatarlive/internal/proxyclient"
	"github.com/antoniostano/avatarlive/internal/sink"
)

type options struct {
	client config.ClientConfig
	relay  bool
}

func main() {
	base, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarctl: config error: %v\n", err)
		os.Exit(2)
	}
	opts, err := parseFlags(os.Args[1:], base)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "avatarctl: %v\n", err)
		os.Exit(2)
	}
	logger := observability.NewLogger(os.Stderr, opts.client.LogFormat, opts.client.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.relay {
		err = runRelay(ctx, opts.client, os.Stdin, os.Stdout)
	} else {
		err = run(ctx, opts.client, logger, os.Stdin, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, cfg config.ClientConfig) (options, error) {
	fs := flag.NewFlagSet("avatarctl", flag.ContinueOnError)
	opts := options{client: cfg}
	fs.StringVar(&opts.client.ProxyURL, "proxy-url", cfg.ProxyURL, "avatarlive proxy base URL")
	fs.StringVar(&opts.client.Language, "language", cfg.Language, "conversation language")
	fs.StringVar(&opts.client.Direction, "direction", cfg.Direction, "language direction, e.g. en-es")
	fs.BoolVar(&opts.client.Sandbox, "sandbox", cfg.Sandbox, "request a sandbox session")
	fs.StringVar(&opts.client.OutputDir, "out", cfg.OutputDir, "directory for recorded avatar media")
	fs.DurationVar(&opts.client.Budget, "budget", cfg.Budget, "session time budget")
	fs.DurationVar(&opts.client.StopTimeout, "stop-timeout", cfg.StopTimeout, "upper bound for the provider stop call")
	fs.BoolVar(&opts.client.AutoplayConsent, "autoplay", cfg.AutoplayConsent, "record avatar audio without waiting for /unlock")
	fs.BoolVar(&opts.relay, "relay", false, "text-only mode over the proxy websocket relay")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.client.ProxyURL == "" {
		return options{}, fmt.Errorf("proxy-url is required")
	}
	if opts.client.Budget < time.Second {
		return options{}, fmt.Errorf("budget must be at least 1s")
	}
	if opts.client.StopTimeout <= 0 {
		return options{}, fmt.Errorf("stop-timeout must be positive")
	}
	return opts, nil
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, in io.Reader, out io.Writer) error {
	consent := &sink.Consent{}
	if cfg.AutoplayConsent {
		consent.Grant()
	}
	factory, err := sink.NewFactory(cfg.OutputDir, consent, logger.With("component", "sink"))
	if err != nil {
		return err
	}

	p := newPrinter(out)
	ctrl := liveavatar.NewController(liveavatar.Options{
		Proxy: proxyclient.New(cfg.ProxyURL, nil),
		NewTransport: func() liveavatar.Transport {
			return lkroom.New(logger.With("component", "room"))
		},
		Sinks:        factory,
		Video:        factory.NewVideo(),
		Logger:       logger.With("component", "controller"),
		Budget:       cfg.Budget,
		StopTimeout:  cfg.StopTimeout,
		OnTransition: p.transition,
		OnUpdate:     p.update,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		defer cancel()
		ctrl.Close(closeCtx)
	}()

	req := liveavatar.StartRequest{Language: cfg.Language, Direction: cfg.Direction, Sandbox: cfg.Sandbox}
	fmt.Fprintf(out, "starting session via %s (media in %s)\n", cfg.ProxyURL, cfg.OutputDir)
	if err := ctrl.Start(ctx, req); err != nil {
		fmt.Fprintf(out, "start failed: %v\n", err)
	}

	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd := parseCommand(line)
			switch cmd.name {
			case "":
			case cmdQuit:
				return nil
			case cmdStart:
				if err := ctrl.Start(ctx, req); err != nil {
					fmt.Fprintf(out, "start failed: %v\n", err)
				}
			case cmdStop:
				ctrl.Stop(ctx)
			case cmdMute:
				if !ctrl.ToggleMute() {
					fmt.Fprintln(out, "microphone cannot be toggled right now")
				}
			case cmdUnlock:
				consent.Grant()
				if !ctrl.Unlock() {
					fmt.Fprintln(out, "audio is still blocked")
				}
			case cmdStatus:
				fmt.Fprintln(out, statusLine(ctrl.State()))
			case cmdHelp:
				fmt.Fprint(out, helpText)
			case cmdSay:
				if err := ctrl.SendText(ctx, cmd.arg); err != nil {
					fmt.Fprintf(out, "send failed: %v\n", err)
				}
			default:
				fmt.Fprintf(out, "unknown command %q, try /help\n", cmd.name)
			}
		}
	}
}

// readLines feeds stdin lines to a channel until EOF or ctx ends.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
