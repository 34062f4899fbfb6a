// Command relaylive-emit publishes a relay event onto the broker channel the
// relaylive instances listen on, without holding any socket itself.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaylive/internal/logging"
	"github.com/agentworkforce/relaylive/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "relaylive-emit: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	brokerURL     string
	channelPrefix string
	workspaceID   string
	userID        string
	event         string
	data          json.RawMessage
	timeout       time.Duration
	every         time.Duration
	jitter        float64
}

func parseOptions(args []string, lookup func(string) (string, bool), out io.Writer) (options, string, error) {
	env := envLookup(lookup)
	fs := pflag.NewFlagSet("relaylive-emit", pflag.ContinueOnError)
	fs.SetOutput(out)
	brokerURL := fs.String("broker-url", env.str("RELAYLIVE_BROKER_URL", "memory://"), "broker DSN shared with the relay instances")
	prefix := fs.String("channel-prefix", env.str("RELAYLIVE_CHANNEL_PREFIX", pubsub.DefaultChannelPrefix), "broker channel prefix")
	workspace := fs.String("workspace", env.str("RELAYLIVE_EMIT_WORKSPACE", ""), "workspace the event is addressed to")
	user := fs.String("user", env.str("RELAYLIVE_EMIT_USER", ""), "limit delivery to one user's sockets")
	event := fs.String("event", env.str("RELAYLIVE_EMIT_EVENT", ""), "event name")
	data := fs.String("data", env.str("RELAYLIVE_EMIT_DATA", "{}"), "event payload as JSON")
	timeout := fs.Duration("timeout", env.duration("RELAYLIVE_EMIT_TIMEOUT", 5*time.Second), "per-publish timeout")
	every := fs.Duration("every", env.duration("RELAYLIVE_EMIT_EVERY", 0), "repeat the emit on this interval until interrupted")
	jitter := fs.Float64("jitter", env.float("RELAYLIVE_EMIT_JITTER", 0.2), "repeat interval jitter ratio (0.0-1.0)")
	logLevel := fs.String("log-level", env.str("RELAYLIVE_LOG_LEVEL", "info"), "log level")
	if err := fs.Parse(args); err != nil {
		return options{}, "", err
	}

	opts := options{
		brokerURL:     strings.TrimSpace(*brokerURL),
		channelPrefix: strings.TrimSpace(*prefix),
		workspaceID:   strings.TrimSpace(*workspace),
		userID:        strings.TrimSpace(*user),
		event:         strings.TrimSpace(*event),
		timeout:       *timeout,
		every:         *every,
		jitter:        clampJitterRatio(*jitter),
	}
	if opts.workspaceID == "" {
		return options{}, "", errors.New("workspace is required (--workspace or RELAYLIVE_EMIT_WORKSPACE)")
	}
	if opts.event == "" {
		return options{}, "", errors.New("event is required (--event or RELAYLIVE_EMIT_EVENT)")
	}
	raw := strings.TrimSpace(*data)
	if !json.Valid([]byte(raw)) {
		return options{}, "", fmt.Errorf("data is not valid JSON: %q", raw)
	}
	opts.data = json.RawMessage(raw)
	if opts.timeout <= 0 {
		opts.timeout = 5 * time.Second
	}
	return opts, *logLevel, nil
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), out io.Writer) error {
	opts, level, err := parseOptions(args, lookup, out)
	if err != nil {
		return err
	}
	logger := logging.New(level, "json", out)

	broker, err := pubsub.BuildBrokerFromDSN(opts.brokerURL)
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	defer broker.Close()
	emitter := pubsub.NewEmitter(broker, opts.channelPrefix)

	if err := emitOnce(ctx, emitter, opts, logger); err != nil {
		return err
	}
	if opts.every <= 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.every, opts.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("emitter stopping")
			return nil
		case <-timer.C:
			if err := emitOnce(ctx, emitter, opts, logger); err != nil {
				logger.Warn().Err(err).Msg("emit failed")
			}
			timer.Reset(jitteredIntervalWithSample(opts.every, opts.jitter, rng.Float64()))
		}
	}
}

func emitOnce(ctx context.Context, emitter *pubsub.Emitter, opts options, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	var err error
	if opts.userID != "" {
		err = emitter.EmitToUser(ctx, opts.workspaceID, opts.userID, opts.event, opts.data)
	} else {
		err = emitter.EmitToWorkspace(ctx, opts.workspaceID, opts.event, opts.data)
	}
	if err != nil {
		return fmt.Errorf("emit %s to %s: %w", opts.event, opts.workspaceID, err)
	}
	logger.Info().
		Str("workspace_id", opts.workspaceID).
		Str("user_id", opts.userID).
		Str("event", opts.event).
		Msg("event emitted")
	return nil
}

type envLookup func(string) (string, bool)

func (e envLookup) str(name, fallback string) string {
	if e == nil {
		return fallback
	}
	value, ok := e(name)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func (e envLookup) duration(name string, fallback time.Duration) time.Duration {
	raw := e.str(name, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (e envLookup) float(name string, fallback float64) float64 {
	raw := e.str(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
