// kvp-host sends one request to the guest agent over the key-value exchange
// and prints the response.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/kvp-bridge/internal/agent"
	"github.com/mrzor/kvp-bridge/internal/attributes"
	"github.com/mrzor/kvp-bridge/internal/config"
	"github.com/mrzor/kvp-bridge/internal/envelope"
	"github.com/mrzor/kvp-bridge/internal/logging"
	"github.com/mrzor/kvp-bridge/internal/otel"
	"github.com/mrzor/kvp-bridge/internal/session"
	"github.com/mrzor/kvp-bridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("kvp-host failed")
	}
}

// openTransport returns the host channel pair. With the memory transport an
// in-process agent answers on the other half of the loopback.
func openTransport(ctx context.Context, cfg *config.Config, tracer trace.Tracer, logger zerolog.Logger) (*transport.Pair, func(), error) {
	if cfg.Transport != config.TransportMemory {
		pair, err := transport.Open(ctx, cfg, transport.Host)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := pair.Close(); err != nil {
				logger.Error().Err(err).Msg("Error closing transport")
			}
		}
		return pair, cleanup, nil
	}

	host, guest := transport.Loopback()
	svc := agent.NewService(agent.ServiceConfig{
		Outbound:     guest.Outbound,
		Inbound:      guest.Inbound,
		Prefix:       cfg.Prefix,
		MaxChunkSize: cfg.MaxChunkSize,
		Interval:     cfg.PollInterval,
		Retention:    cfg.Retention,
		Tracer:       tracer,
		Logger:       logger.With().Str("component", "loopback-agent").Logger(),
	})
	if err := svc.Start(ctx); err != nil {
		return nil, nil, err
	}
	logger.Debug().Msg("Using in-process loopback agent")

	cleanup := func() {
		if err := svc.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping loopback agent")
		}
	}
	return host, cleanup, nil
}

// setupSession builds the host session with the span attribute evaluators
// requested on the command line.
func setupSession(cfg *config.Config, args *config.HostArgs, pair *transport.Pair, tracer trace.Tracer, logger zerolog.Logger) (*session.Session, error) {
	attrs, err := attributes.NewEvaluator(args.CustomAttributes)
	if err != nil {
		return nil, err
	}
	traceIDs, err := attributes.NewTraceIDEvaluator(args.TraceID)
	if err != nil {
		return nil, err
	}

	return session.New(pair.Outbound, pair.Inbound,
		session.WithPrefix(cfg.Prefix),
		session.WithMaxChunkSize(cfg.MaxChunkSize),
		session.WithPollInterval(cfg.PollInterval),
		session.WithRequestTimeout(cfg.RequestTimeout),
		session.WithTracer(tracer),
		session.WithAttributes(attrs),
		session.WithTraceIDEvaluator(traceIDs),
		session.WithLogger(logger),
	), nil
}

// buildRequest creates the envelope for the requested type. Configure
// documents are read from a file, or from stdin when the path is "-".
func buildRequest(args *config.HostArgs, prefix string, stdin io.Reader) (*envelope.Envelope, error) {
	if args.RequestType != envelope.TypeConfigure {
		return envelope.New(args.RequestType, envelope.WithPrefix(prefix))
	}

	var data []byte
	var err error
	if args.Argument == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args.Argument)
	}
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	return envelope.NewConfigure(string(data), envelope.WithPrefix(prefix))
}

// printResponse writes the response JSON to w on one line.
func printResponse(w io.Writer, resp *envelope.Envelope) error {
	text, err := resp.Serialize()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, text)
	return err
}

func progressPrinter(w io.Writer) session.ProgressHandler {
	return func(seq int, resp *envelope.Envelope) {
		data, ok := resp.Progress()
		if !ok {
			return
		}
		fmt.Fprintf(w, "[%3d%%] %s\n", data.Percent, data.Step)
	}
}

func run() error {
	args, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}
	if args.ShowHelp {
		fmt.Print(config.Usage(os.Args[0]))
		return nil
	}
	if args.ShowVersion {
		fmt.Printf("kvp-host %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)
	logger.Debug().Str("version", version).Str("transport", cfg.Transport).Msg("Starting kvp-host")

	versionInfo := fmt.Sprintf("%s (%s)", version, commit)
	tracer, cleanupOTEL, err := otel.Setup(cfg, versionInfo, "kvp-host", logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pair, cleanupTransport, err := openTransport(ctx, cfg, tracer, logger)
	if err != nil {
		return err
	}
	defer cleanupTransport()

	sess, err := setupSession(cfg, args, pair, tracer, logger)
	if err != nil {
		return err
	}

	if args.RequestType == envelope.TypeAck {
		return sess.Ack(ctx, args.Argument)
	}

	req, err := buildRequest(args, cfg.Prefix, os.Stdin)
	if err != nil {
		return err
	}

	resp, err := sess.Request(ctx, req, args.Timeout, progressPrinter(os.Stderr))
	if resp != nil {
		if printErr := printResponse(os.Stdout, resp); printErr != nil {
			return printErr
		}

		// The agent owns the entries it wrote; let it drop them.
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ackErr := sess.Ack(ackCtx, resp.RequestID); ackErr != nil {
			logger.Warn().Err(ackErr).Str("request_id", resp.RequestID).Msg("Could not acknowledge response")
		}
	}
	return err
}
