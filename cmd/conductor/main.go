package main

import (
	"context"
	"os"
	"strconv"
	"time"

	conductorconfig "github.com/TrainLCD/THQ/internal/config"
	"github.com/TrainLCD/THQ/internal/graphql"
	"github.com/TrainLCD/THQ/internal/handlers"
	"github.com/TrainLCD/THQ/internal/hub"
	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/internal/metrics"
	"github.com/TrainLCD/THQ/internal/segment"
	"github.com/TrainLCD/THQ/internal/storage"
	"github.com/TrainLCD/THQ/internal/topology"
	"github.com/TrainLCD/THQ/pkg/config"
	"github.com/TrainLCD/THQ/pkg/database"
	"github.com/TrainLCD/THQ/pkg/logging"
	"github.com/TrainLCD/THQ/pkg/middleware"
	"github.com/TrainLCD/THQ/pkg/monitoring"
	"github.com/TrainLCD/THQ/pkg/server"
	"github.com/TrainLCD/THQ/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("conductor")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Conductor (Telemetry Hub)")

	cfg, err := conductorconfig.Load(os.Args[1:])
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	dbTarget := cfg.DatabaseURL
	if dbTarget == "" {
		dbTarget = "<none>"
	}
	logger.WithFields(logging.Fields{
		"host":               cfg.Host,
		"port":               cfg.Port,
		"ring_size":          cfg.RingSize,
		"db":                 dbTarget,
		"ws_auth_configured": cfg.WSAuthToken != "",
		"ws_auth_required":   cfg.WSAuthRequired,
	}).Info("starting thq-server")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("conductor", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("conductor", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		GraphQLQueries:  metricsCollector.NewCounter("graphql_queries_total", "GraphQL queries executed", []string{"query", "status"}),
		GraphQLDuration: metricsCollector.NewHistogram("graphql_query_duration_seconds", "GraphQL query duration", []string{"query"}, nil),
	}
	serviceMetrics.HubBroadcasts, serviceMetrics.HubDropped, serviceMetrics.HubSubscribers = metricsCollector.CreateHubMetrics()
	serviceMetrics.EventsIngested, serviceMetrics.IngestErrors, serviceMetrics.IngestDuration = metricsCollector.CreateIngestMetrics()
	serviceMetrics.DBQueries, serviceMetrics.DBDuration, serviceMetrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Load line topology for segment estimation
	topo := topology.Empty()
	if cfg.TopologyPath != "" {
		topo, err = topology.Load(cfg.TopologyPath, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load line topology")
		}
		logger.WithFields(logging.Fields{
			"path":  cfg.TopologyPath,
			"lines": topo.LineCount(),
		}).Info("Line topology loaded")
	} else {
		logger.Info("line topology path not set; segment estimation is passthrough")
	}

	// Connect to database when persistence is configured
	var db database.PostgresConn
	if cfg.DatabaseURL != "" {
		dbConfig := database.DefaultConfig()
		dbConfig.URL = cfg.DatabaseURL
		dbConfig.MaxOpenConns = config.GetEnvInt("DB_MAX_OPEN_CONNS", dbConfig.MaxOpenConns)
		dbConfig.MaxIdleConns = config.GetEnvInt("DB_MAX_IDLE_CONNS", dbConfig.MaxIdleConns)
		db = database.MustConnect(dbConfig, logger)
		defer func() { _ = db.Close() }()
	}

	store := storage.New(db, logger, serviceMetrics)
	if store.Enabled() {
		bootstrapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.Bootstrap(bootstrapCtx); err != nil {
			cancel()
			logger.WithError(err).Fatal("Failed to bootstrap telemetry tables")
		}
		cancel()
		logger.Info("database persistence enabled")
	} else {
		logger.Info("database_url not set; persistence is disabled")
	}

	if !cfg.WSAuthRequired && cfg.WSAuthToken == "" {
		logger.Warn("websocket auth is disabled because THQ_WS_AUTH_TOKEN is not set")
	}

	// Assemble the telemetry pipeline
	telemetryHub := hub.New(cfg.RingSize, logger, serviceMetrics)
	estimator := segment.New(topo, logger)
	pipeline := ingest.New(telemetryHub, store, estimator, logger, serviceMetrics)

	conductorHandlers := handlers.NewConductorHandlers(pipeline, handlers.AuthConfig{
		Token:    cfg.WSAuthToken,
		Required: cfg.WSAuthRequired,
	}, logger)

	rootResolver := graphql.NewRootResolver(store, logger, serviceMetrics)
	schema, err := graphql.NewSchema(rootResolver)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse GraphQL schema")
	}
	graphqlHandler := graphql.NewHandler(schema, logger)

	// Add health checks
	if db != nil {
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	}
	if cfg.WSAuthRequired {
		healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
			"THQ_WS_AUTH_TOKEN": cfg.WSAuthToken,
		}))
	}
	healthChecker.AddCheck("topology", monitoring.TopologyHealthCheck(topo.LineCount))
	healthChecker.AddCheck("hub", monitoring.HubHealthCheck(telemetryHub.Stats))

	// Export connection pool stats while the server runs
	if db != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				stats := db.Stats()
				serviceMetrics.DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
				serviceMetrics.DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
				serviceMetrics.DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
			}
		}()
	}

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "conductor", healthChecker, metricsCollector)

	// WebSocket ingress on / and /ws, plus the bare liveness probe
	router.GET("/", conductorHandlers.HandleWebSocket)
	router.GET("/ws", conductorHandlers.HandleWebSocket)
	router.GET("/healthz", conductorHandlers.HandleHealthz)

	// REST ingress guarded by the same shared secret as the WS handshake
	api := router.Group("/api")
	api.Use(middleware.BearerAuthMiddleware(cfg.WSAuthToken, cfg.WSAuthRequired))
	api.POST("/location", conductorHandlers.HandleIngestLocation)
	api.POST("/log", conductorHandlers.HandleIngestLog)
	api.GET("/hub/stats", conductorHandlers.HandleHubStats)

	// GraphQL reporting
	router.GET("/graphql", graphqlHandler.HandlePlayground)
	router.POST("/graphql", graphqlHandler.HandleQuery)

	router.NoRoute(conductorHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("conductor", "8080")
	serverConfig.Host = cfg.Host
	serverConfig.Port = strconv.Itoa(cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
