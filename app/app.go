package app

import (
	"context"
	"net"
	"net/http"
	"time"

	reuse "github.com/libp2p/go-reuseport"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
	"github.com/niclaflamme/pgcrab/pkg/pool"
	"github.com/niclaflamme/pgcrab/router/frontend"
	"github.com/niclaflamme/pgcrab/router/statistics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const poolGaugeInterval = 15 * time.Second

// App wires the listener, the shard pools, and the per-session
// frontend loop together.
type App struct {
	cfg   *config.Proxy
	pools *pool.GatewayPools
}

func NewApp(cfg *config.Proxy) *App {
	return &App{
		cfg:   cfg,
		pools: pool.NewGatewayPools(cfg.Shards, nil, cfg.AcquireTimeout.Duration),
	}
}

func (app *App) Pools() *pool.GatewayPools {
	return app.pools
}

// Listen binds the proxy socket. Split from Serve so the launcher can
// map bind failures to its own exit code.
func (app *App) Listen() (net.Listener, error) {
	address := net.JoinHostPort(app.cfg.Host, app.cfg.Port)

	if app.cfg.ReusePort {
		return reuse.Listen("tcp", address)
	}
	return net.Listen("tcp", address)
}

// Serve warms the pools and accepts clients until the context ends.
func (app *App) Serve(ctx context.Context, listener net.Listener) error {
	app.pools.WarmAll()

	if app.cfg.MetricsPort != "" {
		app.serveMetrics()
		go app.publishPoolGauges(ctx)
	}

	crablog.Zero.Info().
		Str("address", listener.Addr().String()).
		Msg("pgcrab is ready by postgresql proto")

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		netconn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			crablog.Zero.Error().Err(err).Msg("failed to accept client connection")
			return err
		}

		go func() {
			if err := frontend.Serve(netconn, app.cfg, app.pools); err != nil {
				crablog.Zero.Debug().
					Err(err).
					Msg("client session closed with error")
			}
		}()
	}
}

// publishPoolGauges keeps the per-shard pool gauges in step with the
// pools until the context ends.
func (app *App) publishPoolGauges(ctx context.Context) {
	ticker := time.NewTicker(poolGaugeInterval)
	defer ticker.Stop()

	for {
		for _, st := range app.pools.Snapshot() {
			statistics.RecordPoolGauges(st.Name, st.Idle, st.InUse, st.Available)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (app *App) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := net.JoinHostPort(app.cfg.Host, app.cfg.MetricsPort)
	crablog.Zero.Info().
		Str("addr", addr).
		Msg("starting metrics server")

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			crablog.Zero.Error().
				Err(err).
				Msg("metrics server failed")
		}
	}()
}
