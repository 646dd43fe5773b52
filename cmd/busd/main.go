package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/rmqbus"
	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/health"
	"github.com/glimte/rmqbus/internal/jsoncodec"
	"github.com/glimte/rmqbus/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals are the persistent flags shared by every command
type globals struct {
	configPath        string
	verbose           bool
	consumerDependent bool
}

func (g *globals) logger() *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// open loads the configuration and builds a bus. Every static binding of
// the configuration gets a handler that logs the message, which is what a
// generic daemon without compiled handlers can do with it.
func (g *globals) open() (*rmqbus.Bus, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}

	logger := g.logger()
	bus, err := rmqbus.New(cfg,
		rmqbus.WithLogger(logger),
		rmqbus.WithConsumerDependent(g.consumerDependent),
		rmqbus.WithConnectionName("busd"),
	)
	if err != nil {
		return nil, err
	}

	for _, binding := range cfg.Bindings {
		pattern := contracts.Pattern{Name: binding.Name, Channel: binding.Channel}
		if err := bus.Register(pattern, logHandler(logger), messaging.AsEvent(), messaging.WithHandlerName("busd.log")); err != nil {
			_ = bus.Close()
			return nil, err
		}
	}
	return bus, nil
}

func logHandler(logger *slog.Logger) messaging.HandlerFunc {
	return func(ctx context.Context, msg contracts.Message) (interface{}, error) {
		logger.Info("message received", "name", msg.Name, "payload", string(msg.Payload))
		return nil, nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "busd",
		Short: "Operate the RabbitMQ topology and messages of an rmqbus deployment",
		Long: `busd asserts exchanges, queues and bindings, prunes bindings no handler
declares anymore, consumes queues and replays messages from fallback queues.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "rmqbus.yaml", "Path to the YAML configuration")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&g.consumerDependent, "consumer-dependent", false, "Only handle queues flagged consumerDependent")

	rootCmd.AddCommand(
		setupCommand(g),
		refreshCommand(g),
		bindingsCommand(g),
		consumeCommand(g),
		processFallbackCommand(g),
		sendCommand(g),
		requestCommand(g),
		queuesCommand(g),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func setupCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Assert the topology on every broker and prune stale bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := signalContext()
			defer cancel()
			if err := bus.Setup(ctx); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			fmt.Println("Topology is up to date")
			return nil
		},
	}
}

func refreshCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Recollect the declared bindings and prune the stale ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := signalContext()
			defer cancel()
			if err := bus.Reconcile(ctx); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			fmt.Println("Bindings reconciled")
			return nil
		},
	}
}

func bindingsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "Compare declared bindings with the bindings live on the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			api := bus.Management()
			if api == nil {
				return rmqbus.ErrManagementNotConfigured
			}

			ctx, cancel := signalContext()
			defer cancel()

			declared := bus.Collect()
			cfg := bus.Config()
			var rows []bindingRow
			for _, exchange := range cfg.Exchanges {
				for _, queue := range exchange.Queues {
					live, err := api.GetQueueBindings(ctx, exchange.Name, queue.Name)
					if err != nil {
						return fmt.Errorf("failed to list bindings of %s: %w", queue.Name, err)
					}
					rows = append(rows, compareBindings(exchange.Name, queue.Name, declaredFor(cfg, queue.Name, declared), live)...)
				}
			}
			printBindings(rows)
			return nil
		},
	}
}

func consumeCommand(g *globals) *cobra.Command {
	var (
		queue  string
		listen string
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume queues and serve metrics and health",
		Long: `Consume every queue of the selected mode, or only --queue. Prometheus
metrics are served on /metrics and the health report on /healthz.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := signalContext()
			defer cancel()

			var queues []string
			if queue != "" {
				queues = append(queues, queue)
			}
			if err := bus.Start(ctx, queues...); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/healthz", bus.HealthHandler(5*time.Second))
			mux.Handle("/livez", health.LivenessHandler())
			server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			errCh := make(chan error, 1)
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			fmt.Printf("Consuming, metrics on %s... Press Ctrl+C to stop\n", listen)

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("http server failed: %w", err)
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return server.Shutdown(shutdownCtx)
		},
	}
	defaultQueue, _ := messaging.ExtractQueueName(os.Args)
	cmd.Flags().StringVar(&queue, "queue", defaultQueue, "Consume only this queue")
	cmd.Flags().StringVar(&listen, "listen", ":9090", "Address of the metrics and health server")
	return cmd
}

func processFallbackCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "process-fallback <queue>",
		Short: "Dispatch one message from the fallback queue of <queue>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := signalContext()
			defer cancel()

			found, err := bus.ProcessFallback(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to process fallback message: %w", err)
			}
			if !found {
				fmt.Printf("No message waiting in %s\n", config.FallbackName(args[0]))
				return nil
			}
			fmt.Printf("Processed one message from %s\n", config.FallbackName(args[0]))
			return nil
		},
	}
}

// publishFlags are shared by send and request
type publishFlags struct {
	exchange string
	name     string
	expire   time.Duration
}

func (f *publishFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.exchange, "exchange", "e", "", "Target exchange (required)")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Message name, defaults to the routing key")
	cmd.Flags().DurationVar(&f.expire, "expire", 0, "Per-message expiration")
	_ = cmd.MarkFlagRequired("exchange")
}

func (f *publishFlags) message(routingKey, payload string) (contracts.Pattern, contracts.Message, error) {
	if !jsoncodec.Valid([]byte(payload)) {
		return contracts.Pattern{}, contracts.Message{}, fmt.Errorf("payload is not valid JSON: %s", payload)
	}
	name := f.name
	if name == "" {
		name = routingKey
	}
	pattern := contracts.Pattern{
		Name:     name,
		Exchange: f.exchange,
		Channel:  routingKey,
		Options:  contracts.PublishOptions{Expiration: f.expire},
	}
	return pattern, contracts.Message{Name: name, Payload: []byte(payload)}, nil
}

func sendCommand(g *globals) *cobra.Command {
	flags := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "send <routing-key> <json-payload>",
		Short: "Publish one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, msg, err := flags.message(args[0], args[1])
			if err != nil {
				return err
			}
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := signalContext()
			defer cancel()
			if err := bus.SendMessage(ctx, pattern, msg, false); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Printf("Sent %s to %s\n", msg.Name, pattern.Exchange)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func requestCommand(g *globals) *cobra.Command {
	flags := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "request <routing-key> <json-payload>",
		Short: "Send an RPC request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, msg, err := flags.message(args[0], args[1])
			if err != nil {
				return err
			}
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := signalContext()
			defer cancel()
			reply, err := bus.Request(ctx, pattern, msg.Payload)
			if err != nil {
				var remote *messaging.RemoteError
				if errors.As(err, &remote) && remote.Stack != "" && g.verbose {
					fmt.Fprintln(os.Stderr, remote.Stack)
				}
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println(string(reply))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func queuesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List the queues of the virtual host",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := g.open()
			if err != nil {
				return err
			}
			defer bus.Close()

			api := bus.Management()
			if api == nil {
				return rmqbus.ErrManagementNotConfigured
			}

			ctx, cancel := signalContext()
			defer cancel()
			queues, err := api.ListQueues(ctx)
			if err != nil {
				return fmt.Errorf("failed to list queues: %w", err)
			}
			printQueues(queues)
			return nil
		},
	}
}
