package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtd/internal/certs"
	srtegress "github.com/zsiec/rtd/internal/egress/srt"
	"github.com/zsiec/rtd/internal/engine"
	"github.com/zsiec/rtd/internal/metrics"
	"github.com/zsiec/rtd/internal/signaling"
	"github.com/zsiec/rtd/stream"
)

var version = "dev"

const sessionKey = "pull"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("rtdpull failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	url := envOr("RTD_URL", "")
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if url == "" {
		return errors.New("stream url required (argument or RTD_URL)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg, metrics.DefaultNamespace)

	sig, closeSig, err := newSignalingClient()
	if err != nil {
		return err
	}
	defer closeSig()

	ecfg := engine.DefaultConfig()
	ecfg.AdvertiseAddr = envOr("ADVERTISE_ADDR", ecfg.AdvertiseAddr)
	ecfg.BindHost = envOr("RTP_HOST", ecfg.BindHost)
	ecfg.AudioPort = envInt("AUDIO_PORT", 0)
	ecfg.VideoPort = envInt("VIDEO_PORT", 0)
	slog.Warn("no audio decoder linked, audio frames will not be produced")

	mgr := stream.NewManager(engine.NewFactory(ecfg, sig, nil), nil, stream.WithObserver(collector))
	defer mgr.CloseAll()

	slog.Info("rtdpull starting", "version", version, "url", url, "signal", envOr("SIGNAL_URL", ""))

	scfg := stream.DefaultConfig(url)
	scfg.Interrupt = func() bool { return ctx.Err() != nil }
	sess, err := createSession(mgr, sessionKey, scfg)
	if err != nil {
		return err
	}

	err = sess.Open(ctx)
	collector.ObserveOpen(err)
	if err != nil {
		return fmt.Errorf("open %s: %w (status %d)", url, err, stream.StatusOf(err))
	}
	defer collector.ObserveClose()

	out, closeOut, err := openOutputs(ctx, url)
	if err != nil {
		return err
	}
	defer closeOut()

	g, ctx := errgroup.WithContext(ctx)

	if addr := envOr("METRICS_ADDR", ""); addr != "" {
		srv, err := newStatusServer(addr, reg, mgr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			slog.Info("status server listening", "addr", addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return pull(ctx, sess, out)
	})

	return g.Wait()
}

// newSignalingClient builds the signaling client from the environment. The
// returned func releases the HTTP/3 transport, if any.
func newSignalingClient() (*signaling.Client, func(), error) {
	cfg := signaling.Config{
		Endpoint:   envOr("SIGNAL_URL", ""),
		AppKey:     envOr("APP_KEY", ""),
		SDKVersion: envOr("SDK_VERSION", signaling.DefaultSDKVersion),
	}
	if cfg.Endpoint == "" {
		return nil, nil, errors.New("SIGNAL_URL is required")
	}
	switch strings.ToLower(envOr("SIGNAL_MODE", "json")) {
	case "json":
		cfg.Mode = signaling.ModeJSON
	case "whip":
		cfg.Mode = signaling.ModeWHIP
	default:
		return nil, nil, fmt.Errorf("unknown SIGNAL_MODE %q", os.Getenv("SIGNAL_MODE"))
	}

	opts := []signaling.Option{signaling.WithLogger(slog.Default())}
	closeFn := func() {}
	if os.Getenv("SIGNAL_H3") != "" {
		tlsConf := &tls.Config{MinVersion: tls.VersionTLS13}
		if hash := os.Getenv("SIGNAL_CERT_HASH"); hash != "" {
			fp, err := certs.ParseFingerprint(hash)
			if err != nil {
				return nil, nil, fmt.Errorf("SIGNAL_CERT_HASH: %w", err)
			}
			tlsConf = certs.PinnedClientConfig(fp)
			tlsConf.MinVersion = tls.VersionTLS13
		}
		hc, tr := signaling.NewHTTP3Client(tlsConf)
		opts = append(opts, signaling.WithHTTPClient(hc))
		closeFn = func() { tr.Close() }
	}
	return signaling.New(cfg, opts...), closeFn, nil
}

// openOutputs opens the frame sinks named by OUT_FILE and SRT_ADDR. Without
// either, frames are counted and discarded.
func openOutputs(ctx context.Context, url string) (io.Writer, func(), error) {
	var (
		writers []io.Writer
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("output close failed", "error", err)
			}
		}
	}

	if path := envOr("OUT_FILE", ""); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("create output: %w", err)
		}
		writers = append(writers, f)
		closers = append(closers, f)
	}
	if addr := envOr("SRT_ADDR", ""); addr != "" {
		s, err := srtegress.Dial(ctx, srtegress.Config{
			Address:  addr,
			StreamID: envOr("SRT_STREAM_ID", ""),
		}, url, nil)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		writers = append(writers, s)
		closers = append(closers, s)
	}

	switch len(writers) {
	case 0:
		return io.Discard, closeAll, nil
	case 1:
		return writers[0], closeAll, nil
	}
	return io.MultiWriter(writers...), closeAll, nil
}

// newStatusServer serves /metrics and /api/stats. With STATUS_TLS set it
// uses a freshly generated self-signed certificate.
func newStatusServer(addr string, reg *prometheus.Registry, mgr *stream.Manager) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/api/stats", statsHandler(mgr))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if os.Getenv("STATUS_TLS") != "" {
		cert, err := certs.Generate(0)
		if err != nil {
			return nil, fmt.Errorf("generate cert: %w", err)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srv.TLSConfig = cert.ServerConfig()
	}
	return srv, nil
}

// createSession registers a session for cfg under key.
func createSession(mgr *stream.Manager, key string, cfg stream.Config) (*stream.Session, error) {
	e, ok := mgr.Create(key, cfg)
	if !ok {
		return nil, fmt.Errorf("session %q already exists", key)
	}
	return e.Session, nil
}

type sessionStats struct {
	Key       string       `json:"key"`
	URL       string       `json:"url"`
	StartedAt time.Time    `json:"startedAt"`
	Stats     stream.Stats `json:"stats"`
}

// statsHandler serves the getStats snapshot of every opened session.
func statsHandler(mgr *stream.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := []sessionStats{}
		for _, e := range mgr.List() {
			var st stream.Stats
			if _, err := e.Session.Command(stream.CmdGetStats, &st); err != nil {
				continue
			}
			out = append(out, sessionStats{Key: e.Key, URL: e.Session.URL(), StartedAt: e.StartedAt, Stats: st})
		}
		b, err := json.Marshal(out)
		if err != nil {
			slog.Error("encode stats", "error", err)
			http.Error(w, "encode stats", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(b); err != nil {
			slog.Debug("write stats response", "error", err)
		}
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", v)
		return fallback
	}
	return n
}
