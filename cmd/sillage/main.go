// Command sillage mines browsing history into deduplicated, classified
// signals. One binary: SQLite storage, a periodic mining scheduler, a
// thin HTTP API, and an optional MCP-over-QUIC surface.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sillage/chassis"
	"github.com/hazyhaar/sillage/classify"
	"github.com/hazyhaar/sillage/connectivity"
	"github.com/hazyhaar/sillage/dbopen"
	"github.com/hazyhaar/sillage/dedup"
	"github.com/hazyhaar/sillage/extract"
	"github.com/hazyhaar/sillage/histmine"
	"github.com/hazyhaar/sillage/mcpquic"
	"github.com/hazyhaar/sillage/observability"
	"github.com/hazyhaar/sillage/pipeline"
	"github.com/hazyhaar/sillage/store"
	"github.com/hazyhaar/sillage/urlnorm"
	"github.com/hazyhaar/sillage/vecstore"
)

const version = "0.3.0"

// fileConfig is the optional yaml config file (SILLAGE_CONFIG). Env
// variables override nothing here; they fill gaps the file leaves.
type fileConfig struct {
	Owner     string               `yaml:"owner"`
	RulesFile string               `yaml:"rules_file"`
	Histmine  histmine.Config      `yaml:"histmine"`
	Extract   extract.Config       `yaml:"extract"`
	Classify  classify.Config      `yaml:"classify"`
	Embed     classify.EmbedConfig `yaml:"embed"`
	Dedup     dedup.Config         `yaml:"dedup"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(os.Getenv("SILLAGE_CONFIG"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	owner := cfg.Owner
	if owner == "" {
		owner = env("SILLAGE_OWNER", "local")
	}

	// Signal store. The vector index shares the same database.
	dbPath := env("SILLAGE_DB", "./data/sillage.db")
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		slog.Error("store init", "error", err)
		os.Exit(1)
	}
	vecIdx, err := vecstore.New(db)
	if err != nil {
		slog.Error("vecstore init", "error", err)
		os.Exit(1)
	}

	// Observability lives in its own database so metric churn never
	// contends with signal writes.
	obsPath := env("SILLAGE_OBS_DB", "./data/observability.db")
	obsDB, err := dbopen.Open(obsPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open observability db", "path", obsPath, "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	metrics := observability.NewMetricsManager(obsDB, 256, 10*time.Second)
	defer metrics.Close()
	events := observability.NewEventLogger(obsDB)
	auditor := observability.NewAuditLogger(obsDB, 256)
	defer auditor.Close()
	heartbeat := observability.NewHeartbeatWriter(obsDB, "sillage", 30*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()
	go retentionLoop(ctx, obsDB)

	// URL normalization rules: embedded defaults, optional yaml override.
	rules := urlnorm.DefaultRules()
	if rulesFile := firstNonEmpty(cfg.RulesFile, os.Getenv("URLNORM_RULES")); rulesFile != "" {
		rules, err = urlnorm.LoadRules(rulesFile)
		if err != nil {
			slog.Error("load urlnorm rules", "path", rulesFile, "error", err)
			os.Exit(1)
		}
	}
	norm := urlnorm.New(rules)

	// Extraction. Tier 2 needs a browser; enable it explicitly.
	cfg.Extract.Logger = logger
	var renderer extract.Renderer
	if env("EXTRACT_BROWSER", "") == "1" {
		br := extract.NewDefaultBrowserRenderer(os.Getenv("EXTRACT_BROWSER_URL"), logger)
		defer br.Close()
		renderer = br
	}
	extractor := extract.NewRouter(cfg.Extract, renderer)

	// Classifier and embedder are optional remote services; absent
	// endpoints degrade to unscored signals and non-semantic dedup.
	if cfg.Classify.Endpoint == "" {
		cfg.Classify.Endpoint = os.Getenv("CLASSIFIER_ENDPOINT")
		cfg.Classify.Model = env("CLASSIFIER_MODEL", cfg.Classify.Model)
		cfg.Classify.APIKey = os.Getenv("CLASSIFIER_API_KEY")
	}
	cfg.Classify.Logger = logger
	classifier := classify.New(cfg.Classify)

	if cfg.Embed.Endpoint == "" {
		cfg.Embed.Endpoint = os.Getenv("EMBED_ENDPOINT")
		cfg.Embed.Model = env("EMBED_MODEL", cfg.Embed.Model)
		if d := os.Getenv("EMBED_DIM"); d != "" {
			if n, err := strconv.Atoi(d); err == nil {
				cfg.Embed.Dimension = n
			}
		}
	}
	embedder := classify.NewEmbedder(cfg.Embed)

	cfg.Dedup.Logger = logger
	engine := dedup.New(cfg.Dedup, st, vecIdx, classifier, norm)

	proc := pipeline.New(pipeline.Config{ServiceName: "sillage", Logger: logger},
		extractor, classifier, embedder, st, engine, norm).
		WithObservability(events, metrics)

	if len(cfg.Histmine.Sources) == 0 {
		cfg.Histmine.Sources = histmine.DiscoverSources()
		slog.Info("discovered history sources", "count", len(cfg.Histmine.Sources))
	}
	cfg.Histmine.Logger = logger
	miner := histmine.New(cfg.Histmine, st, norm, proc.Sink())

	// Service mesh: local calls by default, remote routes hot-reloaded
	// from the routes table when a connectivity DB is configured.
	conn := connectivity.New(connectivity.WithLogger(logger))
	defer conn.Close()
	miner.RegisterConnectivity(conn)
	conn.RegisterTransport("http", connectivity.HTTPFactory())
	conn.RegisterTransport("mcp", connectivity.MCPFactory())
	if routesPath := os.Getenv("CONNECTIVITY_DB"); routesPath != "" {
		routesDB, err := connectivity.OpenDB(routesPath)
		if err != nil {
			slog.Error("connectivity db", "error", err)
			os.Exit(1)
		}
		defer routesDB.Close()
		if err := conn.Reload(ctx, routesDB); err != nil {
			slog.Error("connectivity reload", "error", err)
			os.Exit(1)
		}
		go conn.Watch(ctx, routesDB, 5*time.Second)
	}

	var stopFlag atomic.Bool
	runner := &mineRunner{
		miner: miner, owner: owner, stop: &stopFlag,
		events: events, metrics: metrics, auditor: auditor, logger: logger,
	}

	if env("SILLAGE_SCHEDULE", "1") != "0" {
		go runner.loop(ctx, cfg.Histmine.Interval)
	}

	// Optional MCP surface over QUIC.
	var mcpSrv *mcp.Server
	if env("MCP_TRANSPORT", "") == "quic" {
		mcpSrv = mcp.NewServer(&mcp.Implementation{
			Name:    "sillage",
			Version: version,
		}, nil)
		miner.RegisterMCP(mcpSrv)

		quicAddr := env("MCP_QUIC_ADDR", ":9444")
		tlsCfg, err := mcpTLS(os.Getenv("MCP_TLS_CERT"), os.Getenv("MCP_TLS_KEY"))
		if err != nil {
			slog.Error("MCP QUIC TLS", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("MCP QUIC listener", "error", qErr)
			} else {
				go func() {
					defer ql.Close()
					slog.Info("MCP QUIC starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("MCP QUIC", "error", sErr)
					}
				}()
			}
		}
	}

	r := newAPIRouter(st, miner, runner, auditor)

	addr := env("SILLAGE_ADDR", ":8087")
	if env("SILLAGE_HTTP3", "") == "1" {
		srv, err := chassis.New(chassis.Config{
			Addr:      addr,
			Handler:   r,
			MCPServer: mcpSrv,
			MCPAddr:   env("MCP_QUIC_ADDR", ":9444"),
			Logger:    logger,
		})
		if err != nil {
			slog.Error("chassis", "error", err)
			os.Exit(1)
		}
		if err := srv.Run(ctx); err != nil {
			slog.Error("chassis run", "error", err)
			os.Exit(1)
		}
		return
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("sillage starting", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	stopFlag.Store(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("stopped")
}

// mineRunner owns scheduled and triggered mining runs.
type mineRunner struct {
	miner   *histmine.Miner
	owner   string
	stop    *atomic.Bool
	events  *observability.EventLogger
	metrics *observability.MetricsManager
	auditor *observability.AuditLogger
	logger  *slog.Logger
}

func (mr *mineRunner) loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mr.run(ctx, mr.owner)
		}
	}
}

// run executes one mining batch and records its outcome. A run already
// in progress is not an error at this level, just a log line.
func (mr *mineRunner) run(ctx context.Context, ownerID string) {
	mr.stop.Store(false)
	start := time.Now()
	report, err := mr.miner.Mine(ctx, ownerID, mr.stop)
	dur := time.Since(start)

	mr.auditor.LogAsync(mr.auditor.NewAuditEntry("histmine", "mine_run",
		map[string]string{"owner_id": ownerID}, report, err, dur))

	if err != nil {
		mr.logger.Warn("mine run failed", "owner_id", ownerID, "error", err)
		mr.events.LogEvent(ctx, observability.PipelineEvent{
			EventType:   observability.EventMineRun,
			ServiceName: "sillage",
			EntityType:  "mine_run",
			OwnerID:     ownerID,
			Action:      "run",
			Success:     false,
		})
		return
	}

	mr.metrics.RecordSimple(observability.MetricMineDurationMs, float64(dur.Milliseconds()), "ms")
	mr.metrics.RecordSimple(observability.MetricEntriesProcessed, float64(report.Processed), "count")
	mr.metrics.RecordSimple(observability.MetricEntriesSkipped, float64(report.Skipped), "count")

	details, _ := json.Marshal(report)
	mr.events.LogEvent(ctx, observability.PipelineEvent{
		EventType:   observability.EventMineRun,
		ServiceName: "sillage",
		EntityType:  "mine_run",
		OwnerID:     ownerID,
		Action:      "run",
		Details:     string(details),
		Success:     true,
	})
	mr.logger.Info("mine run complete", "owner_id", ownerID,
		"processed", report.Processed, "skipped", report.Skipped,
		"errors", report.Errors, "duration_ms", dur.Milliseconds())
}

func newAPIRouter(st *store.Store, miner *histmine.Miner, runner *mineRunner, auditor *observability.AuditLogger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/mine/run", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				OwnerID string `json:"owner_id"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			if body.OwnerID == "" {
				body.OwnerID = runner.owner
			}
			// Detached from the request context: a mining batch outlives
			// the trigger call.
			go runner.run(context.WithoutCancel(req.Context()), body.OwnerID)
			writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "owner_id": body.OwnerID})
		})

		r.Post("/mine/stop", func(w http.ResponseWriter, _ *http.Request) {
			runner.stop.Store(true)
			writeJSON(w, http.StatusOK, map[string]bool{"stopping": true})
		})

		r.Get("/mine/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"sources":  miner.Sources(),
				"last_run": miner.LastReport(),
			})
		})

		r.Get("/settings", func(w http.ResponseWriter, req *http.Request) {
			ownerID := queryOwner(req, runner.owner)
			set, err := st.GetSettings(req.Context(), ownerID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, set)
		})

		r.Put("/settings", func(w http.ResponseWriter, req *http.Request) {
			var set store.MinerSettings
			if err := json.NewDecoder(req.Body).Decode(&set); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if set.OwnerID == "" {
				set.OwnerID = runner.owner
			}
			if err := st.UpsertSettings(req.Context(), &set); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, set)
		})

		r.Get("/signals", func(w http.ResponseWriter, req *http.Request) {
			ownerID := queryOwner(req, runner.owner)
			limit := queryInt(req, "limit", 50)
			offset := queryInt(req, "offset", 0)
			sigs, err := st.ListSignals(req.Context(), ownerID, limit, offset)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			total, err := st.CountSignals(req.Context(), ownerID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"signals": sigs, "total": total})
		})

		r.Get("/signals/{id}", func(w http.ResponseWriter, req *http.Request) {
			sig, err := st.GetSignal(req.Context(), chi.URLParam(req, "id"))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, sig)
		})

		r.Delete("/signals/{id}", func(w http.ResponseWriter, req *http.Request) {
			if err := st.DeleteSignal(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
		})

		r.Get("/audit", func(w http.ResponseWriter, req *http.Request) {
			entries, err := auditor.Query(req.Context(), &observability.AuditFilter{
				Limit: queryInt(req, "limit", 100),
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, entries)
		})
	})

	return r
}

// retentionLoop prunes observability tables daily.
func retentionLoop(ctx context.Context, db *sql.DB) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cctx, ccancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := observability.Cleanup(cctx, db, observability.RetentionConfig{
				EventLogsDays:  30,
				AuditLogDays:   90,
				HeartbeatsDays: 7,
			}); err != nil {
				slog.Warn("observability retention", "error", err)
			}
			ccancel()
		}
	}
}

func mcpTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		return mcpquic.ServerTLSConfig(certFile, keyFile)
	}
	return mcpquic.SelfSignedTLSConfig()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryOwner(r *http.Request, def string) string {
	if v := r.URL.Query().Get("owner_id"); v != "" {
		return v
	}
	return def
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
