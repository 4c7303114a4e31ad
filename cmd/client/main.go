package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/channel"
	"main/internal/manager"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/recorder"
	"main/internal/request"
	"main/internal/state"
	"main/internal/transport"
	"main/internal/transport/sim"
	"main/internal/transport/socket"
	"main/pkg/backoff"
	"main/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("client: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML config (optional)")
	statusInterval := flag.Duration("status-interval", 30*time.Second, "status log interval (0=disable)")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "channel/client",
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags: map[string]string{
				"env": "local",
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

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

	sessionID := uuid.NewString()
	primary := socket.New(socket.Config{
		URL:                  cfg.Endpoint.URL,
		Host:                 cfg.Endpoint.Host,
		Path:                 cfg.Endpoint.Path,
		Secure:               cfg.Endpoint.Secure,
		SessionID:            sessionID,
		HeartbeatInterval:    cfg.Transport.HeartbeatInterval,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Transport.ConnectionTimeout,
	}, machine, metrics)
	fallback := sim.New(sim.Config{})

	var feed *bus.Queue
	if cfg.Recorder.Enabled {
		pg, err := conn.New(conn.Option{
			ConnString: cfg.Recorder.DSN,
			AppName:    "channel-client",
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = pg.Close()
		}()

		rec, err := recorder.New(pg.DB(), recorder.Config{
			QueueSize:     cfg.Recorder.QueueSize,
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
		})
		if err != nil {
			return err
		}
		if err := rec.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logs.Warnf("recorder close: %v", err)
			}
		}()

		feed = bus.NewQueue(cfg.Recorder.QueueSize)
		go rec.Attach(ctx, feed)
	}

	mgr := manager.New(manager.Config{
		MaxRetries: cfg.Manager.MaxRetries,
		Retry: backoff.Policy{
			Kind: backoff.Linear,
			Base: cfg.Manager.RetryDelay,
		},
		QualityInterval: cfg.Manager.QualityInterval,
	}, machine, metrics, primary, fallback, feed)
	defer mgr.Destroy()

	mgr.On(channel.EventConnectionOpened, func(payload any) {
		if opened, ok := payload.(transport.OpenedPayload); ok {
			logs.Infof("connected mode=%s quality=%d", opened.Mode, opened.Quality)
		}
	})
	mgr.On(channel.EventConnectionClosed, func(payload any) {
		if closed, ok := payload.(transport.ClosedPayload); ok {
			logs.Infof("closed code=%d clean=%t reason=%s", closed.Code, closed.Clean, closed.Reason)
		}
	})
	mgr.On(channel.EventConnectionError, func(payload any) {
		if errPayload, ok := payload.(transport.ErrorPayload); ok {
			logs.Warnf("connection error: %s", errPayload.Message)
		}
	})

	httpClient, err := request.NewClient(request.Config{
		DefaultTTL: cfg.Cache.TTL,
		Cache: request.CacheConfig{
			MaxEntries:    cfg.Cache.MaxEntries,
			SweepInterval: cfg.Cache.SweepInterval,
		},
		Retry: request.RetryOptions{
			MaxRetries: cfg.Cache.MaxRetries,
			Policy: backoff.Policy{
				Kind: backoff.Linear,
				Base: cfg.Cache.RetryDelay,
			},
		},
	}, httpDoer(&http.Client{Timeout: 15 * time.Second}), metrics)
	if err != nil {
		return err
	}
	defer httpClient.Close()

	if err := mgr.Connect(ctx); err != nil {
		return err
	}

	if err := mgr.Capability(manager.FeatureBidirectionalMessaging); err != nil {
		logs.Warnf("live messaging degraded: %v", err)
	}
	subscribe := channel.New(channel.TypeSubscribe, channel.SubscribePayload{
		Action:    "subscribe",
		SessionID: sessionID,
	})
	if !mgr.Send(subscribe) {
		logs.Warnf("subscribe not sent: channel offline")
	}

	if *statusInterval > 0 {
		go statusLoop(ctx, *statusInterval, mgr, machine)
	}

	<-ctx.Done()
	logs.Info("shutting down")
	mgr.Disconnect()
	return nil
}

func statusLoop(ctx context.Context, interval time.Duration, mgr *manager.Manager, machine *state.Machine) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := machine.Metrics()
			logs.Infof("status mode=%s quality=%d uptime=%s reconnects=%d",
				mgr.Mode(), machine.Quality(), snapshot.Uptime.Truncate(time.Second), snapshot.TotalReconnections)
		}
	}
}

// httpDoer adapts net/http to the request client's doer contract.
func httpDoer(client *http.Client) request.Doer {
	return func(ctx context.Context, req request.Request) (request.Response, error) {
		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return request.Response{}, err
		}
		for key, values := range req.Header {
			for _, v := range values {
				httpReq.Header.Add(key, v)
			}
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return request.Response{}, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return request.Response{}, err
		}
		return request.Response{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   data,
		}, nil
	}
}
