package main

// crv-hive is the depot-side daemon: it owns the chunk store, the submit
// coordinator, and bearer-token authentication, and exposes them over a
// small JSON/HTTP surface plus a Prometheus /metrics endpoint. The wire
// protocol itself is intentionally minimal (SPEC_FULL.md §1 leaves
// transport out of scope); this binary exists to give the hive package's
// business logic somewhere to run.

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/config"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/hive"
	"github.com/crv-vcs/crv/hiveauth"
	"github.com/crv-vcs/crv/metrics"
	"github.com/crv-vcs/crv/repo"
	"github.com/crv-vcs/crv/telemetry"
	"github.com/crv-vcs/crv/transfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const hiveVersion = "crv-hive/0.1.0"

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for crv-hive.",
		).Default("crv-hive.yaml").Short('c').String()
		repositoryRoot = kingpin.Flag(
			"repository-root",
			"Root directory for the chunk store (overrides config).",
		).String()
		port = kingpin.Flag(
			"port",
			"Listen port (overrides config).",
		).Int()
		warm = kingpin.Flag(
			"warm",
			"Eagerly load every shard at startup instead of lazily on first use.",
		).Bool()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(hiveVersion).Author("crv")
	kingpin.CommandLine.Help = "Runs the crv-hive depot daemon\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := telemetry.NewLogger(*debug)

	cfg, err := config.LoadHiveConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}
	if *repositoryRoot != "" {
		cfg.RepositoryRoot = *repositoryRoot
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger.Infof("%s starting, repository root %s", hiveVersion, cfg.RepositoryRoot)

	secret, err := loadOrCreateSecret(cfg.JWTSecretPath)
	if err != nil {
		logger.Errorf("error loading JWT secret: %v", err)
		os.Exit(1)
	}
	ttl, renewWithin, err := parseTokenDurations(cfg)
	if err != nil {
		logger.Errorf("error parsing token durations: %v", err)
		os.Exit(1)
	}
	issuer := hiveauth.NewIssuer(secret, ttl, renewWithin)
	users := hiveauth.NewUserStore()

	store, err := repo.OpenStore(repo.NewLayout(cfg.RepositoryRoot), 0)
	if err != nil {
		logger.Errorf("error opening chunk store: %v", err)
		os.Exit(1)
	}
	if *warm {
		if err := store.WarmAll(); err != nil {
			logger.Errorf("error warming chunk store: %v", err)
			os.Exit(1)
		}
	}

	reg := metrics.New()
	srv := hive.NewServer(cfg, logger, reg, store, issuer, users)

	mux := newAPIMux(srv, reg)
	addr := listenAddr(cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Infof("listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	waitForShutdown(logger, store, srv, httpSrv)
}

func listenAddr(port int) string {
	if port <= 0 {
		port = config.DefaultHivePort
	}
	return ":" + strconv.Itoa(port)
}

func loadOrCreateSecret(path string) ([]byte, error) {
	if path == "" {
		return []byte("crv-hive-dev-secret-change-me"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func parseTokenDurations(cfg *config.HiveConfig) (time.Duration, time.Duration, error) {
	ttl := hiveauth.DefaultTTL
	renew := hiveauth.DefaultRenewWithin
	var err error
	if cfg.TokenTTL != "" {
		if ttl, err = time.ParseDuration(cfg.TokenTTL); err != nil {
			return 0, 0, err
		}
	}
	if cfg.RenewWithin != "" {
		if renew, err = time.ParseDuration(cfg.RenewWithin); err != nil {
			return 0, 0, err
		}
	}
	return ttl, renew, nil
}

// newAPIMux builds the minimal JSON/HTTP surface crv-edge's HiveClient
// talks to, plus the Prometheus scrape endpoint.
func newAPIMux(srv *hive.Server, reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/bonjour", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, srv.Bonjour())
	})

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Username, Password string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tok, err := srv.Login(req.Username, req.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, tok)
	})

	mux.HandleFunc("/chunks/", func(w http.ResponseWriter, r *http.Request) {
		hashHex := r.URL.Path[len("/chunks/"):]
		h, err := chunk.ParseHash(hashHex)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bearer := r.Header.Get("Authorization")

		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := handleUploadChunk(r, srv, bearer, h, data); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			data, err := handleDownloadChunk(r, srv, bearer, h)
			if err != nil {
				writeError(w, err)
				return
			}
			w.Write(data)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	return mux
}

// handleUploadChunk wraps a single PUT body as a one-chunk transfer.Ingest
// stream, reusing hive.Server's channel-based UploadFileChunks rather than
// talking to the chunk store directly.
func handleUploadChunk(r *http.Request, srv *hive.Server, bearer string, h chunk.Hash, data []byte) error {
	chunks := make(chan transfer.FileChunk, 1)
	chunks <- transfer.FileChunk{
		Ticket:    r.URL.Query().Get("ticket"),
		ChunkHash: h,
		Offset:    0,
		Bytes:     data,
		IsLast:    true,
	}
	close(chunks)
	return srv.UploadFileChunks(r.Context(), bearer, chunks)
}

// handleDownloadChunk drains hive.Server's packet stream for a single
// hash and concatenates it back into one payload.
func handleDownloadChunk(r *http.Request, srv *hive.Server, bearer string, h chunk.Hash) ([]byte, error) {
	packets, err := srv.DownloadFileChunks(r.Context(), bearer, []chunk.Hash{h}, 0)
	if err != nil {
		return nil, err
	}
	var out []byte
	for p := range packets {
		out = append(out, p.Bytes...)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case crverr.Is(err, crverr.Unauthenticated):
		status = http.StatusUnauthorized
	case crverr.Is(err, crverr.NotFound):
		status = http.StatusNotFound
	case crverr.Is(err, crverr.AlreadyExists):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func waitForShutdown(logger *logrus.Logger, store *repo.Store, srv *hive.Server, httpSrv *http.Server) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	srv.Close()
	if err := store.SealOpenBundles(); err != nil {
		logger.WithError(err).Error("error sealing open bundles during shutdown")
	}
	_ = httpSrv.Close()
}
