// Command probe performs a one-shot connect against the configured
// endpoint and reports which mode the channel settled in.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/manager"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/state"
	"main/internal/transport/sim"
	"main/internal/transport/socket"
	"main/pkg/backoff"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("probe: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML config (optional)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall probe deadline")
	settle := flag.Duration("settle", 2*time.Second, "how long to observe after connect")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	metrics := obs.NewMetrics()
	machine := state.NewMachine(state.Config{
		ConnectionTimeout: cfg.Transport.ConnectionTimeout,
		Reconnect: backoff.Policy{
			Kind:   backoff.Exponential,
			Base:   cfg.Transport.Backoff.Base,
			Max:    cfg.Transport.Backoff.Max,
			Factor: cfg.Transport.Backoff.Factor,
			Jitter: cfg.Transport.Backoff.Jitter,
		},
	})
	defer machine.Destroy()

	primary := socket.New(socket.Config{
		URL:                  cfg.Endpoint.URL,
		Host:                 cfg.Endpoint.Host,
		Path:                 cfg.Endpoint.Path,
		Secure:               cfg.Endpoint.Secure,
		HeartbeatInterval:    cfg.Transport.HeartbeatInterval,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Transport.ConnectionTimeout,
	}, machine, metrics)
	fallback := sim.New(sim.Config{})

	mgr := manager.New(manager.Config{
		MaxRetries: cfg.Manager.MaxRetries,
		Retry: backoff.Policy{
			Kind: backoff.Linear,
			Base: cfg.Manager.RetryDelay,
		},
	}, machine, metrics, primary, fallback, nil)
	defer mgr.Destroy()

	start := time.Now()
	if err := mgr.Connect(ctx); err != nil {
		return err
	}

	// Let the quality score absorb any immediate post-connect churn.
	select {
	case <-ctx.Done():
	case <-time.After(*settle):
	}

	snapshot := machine.Metrics()
	fmt.Printf("mode:      %s\n", mgr.Mode())
	fmt.Printf("state:     %s\n", machine.Current())
	fmt.Printf("quality:   %d\n", mgr.Quality())
	fmt.Printf("connect:   %s\n", time.Since(start).Truncate(time.Millisecond))
	fmt.Printf("attempts:  %d total, %d ok, %d failed\n",
		snapshot.TotalConnections, snapshot.SuccessfulConnections, snapshot.FailedConnections)
	features := mgr.Features()
	names := make([]string, 0, len(features))
	for _, f := range features {
		names = append(names, string(f))
	}
	fmt.Printf("features:  %s\n", strings.Join(names, ", "))

	mgr.Disconnect()
	return nil
}
