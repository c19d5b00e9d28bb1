package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sark-labs/sark/internal/adapter/inbound/admin"
	"github.com/sark-labs/sark/internal/adapter/inbound/http"
	"github.com/sark-labs/sark/internal/adapter/inbound/stdio"
	auditstore "github.com/sark-labs/sark/internal/adapter/outbound/audit"
	"github.com/sark-labs/sark/internal/adapter/outbound/cel"
	"github.com/sark-labs/sark/internal/adapter/outbound/grpcadapter"
	"github.com/sark-labs/sark/internal/adapter/outbound/httpadapter"
	"github.com/sark-labs/sark/internal/adapter/outbound/identity"
	mcpclient "github.com/sark-labs/sark/internal/adapter/outbound/mcp"
	"github.com/sark-labs/sark/internal/adapter/outbound/memory"
	"github.com/sark-labs/sark/internal/adapter/outbound/notify"
	redisstore "github.com/sark-labs/sark/internal/adapter/outbound/redis"
	"github.com/sark-labs/sark/internal/adapter/outbound/siem"
	"github.com/sark-labs/sark/internal/adapter/outbound/state"
	"github.com/sark-labs/sark/internal/breaker"
	"github.com/sark-labs/sark/internal/config"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/injection"
	"github.com/sark-labs/sark/internal/domain/mfa"
	"github.com/sark-labs/sark/internal/domain/policy"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/ratelimit"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/port/outbound"
	"github.com/sark-labs/sark/internal/retry"
	"github.com/sark-labs/sark/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the SARK gateway.

The gateway serves its invocation API on server.listen_addr and the
admin API on server.admin_addr. With --stdio it instead speaks MCP on
stdin/stdout, so an MCP client can call every governed capability as a
tool without any HTTP setup.

Examples:
  # Start with config file settings
  sark start

  # Development mode (seeded identities, debug logging)
  sark start --dev

  # Serve governed capabilities to an MCP client over stdio
  SARK_API_KEY=sark_dev_key sark start --dev --stdio`,
	RunE: runStart,
}

var (
	devMode   bool
	stdioMode bool
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "force development mode (seeded identities, debug logging)")
	startCmd.Flags().BoolVar(&stdioMode, "stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.Mode = config.ModeDevelopment
	}
	cfg.SetDevDefaults()
	if logLevelFlag != "" {
		cfg.Server.LogLevel = logLevelFlag
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Signal context for graceful shutdown. stop() restores default
	// signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Logger goes to stderr: stdout carries the MCP stream in stdio mode.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, resolveStatePath(), stdioMode, logger); err != nil {
		return err
	}

	logger.Info("sark stopped")
	return nil
}

// run wires all components together and blocks until ctx is cancelled.
// It implements the boot sequence: BOOT-01 through BOOT-10.
func run(ctx context.Context, cfg *config.Config, statePath string, stdioTransport bool, logger *slog.Logger) error {
	shutdownTimeout := config.Duration(cfg.Server.ShutdownTimeout, 15*time.Second)

	// ===== BOOT-01: mode check =====
	if cfg.IsDevelopment() {
		logger.Warn("development mode: seeded identities and relaxed validation are active")
	}
	logger.Info("sark starting", "version", Version, "mode", cfg.Mode)

	// ===== BOOT-02: run-state file (double-start guard) =====
	stateStore := state.NewFileStateStore(statePath, logger)
	runState, err := stateStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}
	if runState.HasProcess() && runState.PID != os.Getpid() {
		if proc, findErr := os.FindProcess(runState.PID); findErr == nil && processIsAlive(proc) {
			return fmt.Errorf("sark is already running (pid %d per %s); run `sark stop` first",
				runState.PID, stateStore.Path())
		}
		logger.Warn("clearing stale run state, recorded process is gone", "pid", runState.PID)
	}
	runState.MarkStarted(os.Getpid(), cfg.Server.ListenAddr, cfg.Server.AdminAddr)
	if err := stateStore.Save(runState); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	defer func() {
		final, loadErr := stateStore.Load()
		if loadErr != nil {
			logger.Warn("run state not cleared", "error", loadErr)
			return
		}
		final.MarkStopped()
		if saveErr := stateStore.Save(final); saveErr != nil {
			logger.Warn("run state not cleared", "error", saveErr)
		}
	}()

	// ===== BOOT-03: pipeline tracing (development only) =====
	// Spans cover the inject/authorize/invoke/redact stages. Outside
	// development the global provider stays a no-op.
	if cfg.IsDevelopment() {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(os.Stderr),
		)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tracerProvider)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = tracerProvider.Shutdown(flushCtx)
		}()
		logger.Debug("pipeline tracing enabled", "exporter", "stdout")
	}

	// ===== BOOT-04: identity and in-memory stores =====
	principalStore := memory.NewPrincipalStore()
	seedIdentities(cfg, principalStore)
	logger.Debug("seeded identities",
		"principals", len(cfg.Auth.Principals),
		"api_keys", len(cfg.Auth.APIKeys),
	)

	resourceStore := memory.NewResourceStore()
	changeStore := memory.NewChangeStore()
	anomalyStore := memory.NewAnomalyStore()

	// ===== BOOT-05: audit stores, SIEM forwarding, audit service =====
	sqlStore, err := openAuditStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() { _ = sqlStore.Close() }()

	var fileSink *auditstore.FileSink
	if cfg.Audit.FileDir != "" {
		fileSink, err = auditstore.NewFileSink(auditstore.FileSinkConfig{
			Dir:           cfg.Audit.FileDir,
			RetentionDays: cfg.Audit.FileRetentionDays,
			MaxFileSizeMB: cfg.Audit.FileMaxSizeMB,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit file sink: %w", err)
		}
		defer func() { _ = fileSink.Close() }()
		logger.Info("audit file sink enabled", "dir", cfg.Audit.FileDir)
	}

	var forwarders []outbound.Forwarder
	if cfg.SIEM.Splunk.URL != "" {
		splunk, err := siem.NewSplunkForwarder(siem.SplunkConfig{
			URL:           cfg.SIEM.Splunk.URL,
			Token:         cfg.SIEM.Splunk.Token,
			Index:         cfg.SIEM.Splunk.Index,
			BatchSize:     cfg.SIEM.Splunk.BatchSize,
			SkipTLSVerify: cfg.SIEM.Splunk.SkipTLSVerify,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create splunk forwarder: %w", err)
		}
		forwarders = append(forwarders, splunk)
	}
	if cfg.SIEM.Datadog.APIKey != "" {
		datadog, err := siem.NewDatadogForwarder(siem.DatadogConfig{
			Site:    cfg.SIEM.Datadog.Site,
			APIKey:  cfg.SIEM.Datadog.APIKey,
			Service: cfg.SIEM.Datadog.Service,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create datadog forwarder: %w", err)
		}
		forwarders = append(forwarders, datadog)
	}

	var siemWorker *siem.Worker
	if len(forwarders) > 0 {
		siemBreakers := breaker.NewManager(breaker.Config{
			OnStateChange: func(name string, from, to breaker.State) {
				logger.Warn("siem breaker state change", "forwarder", name, "from", from, "to", to)
			},
		})
		siemWorker = siem.NewWorker(sqlStore, forwarders, siemBreakers, siem.WorkerConfig{
			FlushInterval: config.Duration(cfg.SIEM.FlushInterval, 10*time.Second),
			BufferSize:    cfg.SIEM.QueueSize,
		}, logger)
		siemWorker.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := siemWorker.Stop(stopCtx); err != nil {
				logger.Warn("siem worker did not drain cleanly", "error", err)
			}
		}()
		logger.Info("siem forwarding enabled", "forwarders", len(forwarders))
	}

	// The SSE event stream is an audit tap, so it exists before the
	// audit service even though only the HTTP transport serves it.
	var eventStream *http.EventStream
	if !stdioTransport {
		eventStream = http.NewEventStream(logger)
		defer eventStream.Close()
	}

	auditOpts := []service.AuditOption{
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Audit.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.Audit.SendTimeout, 100*time.Millisecond)),
		service.WithDecisionStore(sqlStore),
	}
	if siemWorker != nil {
		auditOpts = append(auditOpts, service.WithForwardQueue(siemWorker))
	}
	if fileSink != nil {
		auditOpts = append(auditOpts, service.WithEventTap(func(event audit.Event) {
			if err := fileSink.Insert(context.Background(), event); err != nil {
				logger.Warn("audit file sink write failed", "error", err)
			}
		}))
	}
	if eventStream != nil {
		auditOpts = append(auditOpts, service.WithEventTap(eventStream.Publish))
	}
	auditService := service.NewAuditService(sqlStore, logger, auditOpts...)
	auditService.Start(ctx)
	defer auditService.Stop()

	// ===== BOOT-06: policy engine =====
	changeLog := policy.NewChangeLog(changeStore)
	evaluator, err := cel.NewEvaluator(ctx, cfg.Policy.BundleDir, logger,
		cel.WithDevelopmentMode(cfg.IsDevelopment()),
		cel.WithChangeLog(changeLog),
	)
	if err != nil {
		return fmt.Errorf("failed to load policy bundles: %w", err)
	}
	defer func() { _ = evaluator.Close() }()
	if cfg.Policy.AutoReload {
		if err := evaluator.Watch(ctx); err != nil {
			logger.Warn("bundle auto-reload unavailable", "error", err)
		}
	}

	policyService := service.NewPolicyService(evaluator, logger,
		service.WithCacheSize(cfg.Policy.CacheSize),
		service.WithMount(cfg.Policy.Mount),
	)
	policyAdminService := service.NewPolicyAdminService(evaluator, changeLog, policyService, logger,
		service.WithPolicyAuditRecorder(auditService),
	)

	bundles := evaluator.Bundles()
	ruleCount := 0
	for _, b := range bundles {
		ruleCount += b.Rules
	}
	logger.Info("policy bundles loaded", "bundles", len(bundles), "rules", ruleCount)

	// ===== BOOT-07: protocol adapters and resource registry =====
	invokeTimeout := config.Duration(cfg.Gateway.InvokeTimeout, 30*time.Second)

	mcpAdapter := mcpclient.NewAdapter(logger,
		mcpclient.WithCallTimeout(invokeTimeout),
		mcpclient.WithChildLimits(mcpclient.Limits{
			MaxMemoryBytes:     uint64(cfg.Stdio.MaxMemoryMB) * 1024 * 1024,
			MaxFileDescriptors: cfg.Stdio.MaxFileDescriptors,
			MaxCPUPercent:      float64(cfg.Stdio.MaxCPUPercent),
			HungTimeout:        config.Duration(cfg.Stdio.HungTimeout, 30*time.Second),
			StopTimeout:        config.Duration(cfg.Stdio.StopTimeout, 5*time.Second),
			MaxRestartAttempts: cfg.Stdio.MaxRestartAttempts,
		}),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mcpAdapter.Close(closeCtx); err != nil {
			logger.Warn("stdio children did not stop cleanly", "error", err)
		}
	}()
	grpcAdapter := grpcadapter.NewAdapter(logger, grpcadapter.WithCallTimeout(invokeTimeout))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = grpcAdapter.Close(closeCtx)
	}()
	httpAdapter := httpadapter.NewAdapter(logger, httpadapter.WithCallTimeout(invokeTimeout))

	registryService := service.NewRegistryService(resourceStore, logger,
		service.WithRegistryAuditRecorder(auditService),
	)
	for _, adapter := range []protocol.Adapter{mcpAdapter, grpcAdapter, httpAdapter} {
		if err := registryService.RegisterAdapter(adapter); err != nil {
			return fmt.Errorf("failed to register protocol adapter: %w", err)
		}
	}

	seedResources(ctx, cfg, registryService, logger)

	// ===== BOOT-08: identity verification, MFA, anomaly detection =====
	var verifier outbound.TokenVerifier
	if cfg.Auth.SecretKey != "" {
		verifier = identity.NewVerifier(cfg.Auth.SecretKey, cfg.Auth.TokenIssuer)
		logger.Debug("bearer authentication enabled", "issuer", cfg.Auth.TokenIssuer)
	}
	identityService := service.NewIdentityService(principalStore, verifier, logger)

	var challengeStore mfa.ChallengeStore
	if cfg.MFA.Redis.Addr != "" {
		redisChallenges, err := redisstore.NewChallengeStore(redisstore.Options{
			Addr:     cfg.MFA.Redis.Addr,
			Password: cfg.MFA.Redis.Password,
			DB:       cfg.MFA.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect redis challenge store: %w", err)
		}
		defer func() { _ = redisChallenges.Close() }()
		challengeStore = redisChallenges
		logger.Info("challenge store: redis", "addr", cfg.MFA.Redis.Addr)
	} else {
		challengeStore = memory.NewChallengeStore()
	}

	// TOTP enrollments survive restarts through the run-state file.
	secretStore := memory.NewSecretStore()
	for principalID, secret := range runState.TOTPSecrets {
		if err := secretStore.SetSecret(ctx, principalID, secret); err != nil {
			logger.Warn("totp secret not restored", "principal_id", principalID, "error", err)
		}
	}
	secretStore = secretStore.WithPersist(stateStore.SetTOTPSecret)

	mfaOpts := []service.MFAOption{
		service.WithMFAAuditRecorder(auditService),
	}
	var emailDeliverer *notify.EmailChallengeDeliverer
	if cfg.Notify.SMTP.Host != "" {
		emailDeliverer, err = notify.NewEmailChallengeDeliverer(notify.EmailConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			From:     cfg.Notify.SMTP.From,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
		}, principalStore, logger)
		if err != nil {
			return fmt.Errorf("failed to create email challenge deliverer: %w", err)
		}
		mfaOpts = append(mfaOpts, service.WithChallengeDeliverer(mfa.MethodEmail, emailDeliverer))
	}
	if cfg.Notify.WebhookURL != "" {
		pushDeliverer, err := notify.NewWebhookDeliverer(cfg.Notify.WebhookURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create push challenge deliverer: %w", err)
		}
		mfaOpts = append(mfaOpts, service.WithChallengeDeliverer(mfa.MethodPush, pushDeliverer))
	}
	mfaService := service.NewMFAService(challengeStore, secretStore, mfa.Config{
		Timeout:     config.Duration(cfg.MFA.ChallengeTimeout, 120*time.Second),
		MaxAttempts: cfg.MFA.MaxAttempts,
		TOTPWindow:  cfg.MFA.TOTPWindow,
	}, logger, mfaOpts...)

	var anomalyService *service.AnomalyService
	if cfg.Anomaly.Enabled {
		var warning, critical []outbound.Notifier
		if cfg.Notify.SlackWebhookURL != "" {
			slackNotifier, err := notify.NewSlackNotifier(notify.SlackConfig{
				WebhookURL: cfg.Notify.SlackWebhookURL,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create slack notifier: %w", err)
			}
			warning = append(warning, slackNotifier)
			critical = append(critical, slackNotifier)
		}
		if cfg.Notify.PagerDutyRoutingKey != "" {
			pagerduty, err := notify.NewPagerDutyNotifier(notify.PagerDutyConfig{
				RoutingKey: cfg.Notify.PagerDutyRoutingKey,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create pagerduty notifier: %w", err)
			}
			critical = append(critical, pagerduty)
		}
		if cfg.Notify.SMTP.Host != "" && len(cfg.Notify.SMTP.AlertTo) > 0 {
			emailNotifier, err := notify.NewEmailNotifier(notify.EmailConfig{
				Host:     cfg.Notify.SMTP.Host,
				Port:     cfg.Notify.SMTP.Port,
				From:     cfg.Notify.SMTP.From,
				Username: cfg.Notify.SMTP.Username,
				Password: cfg.Notify.SMTP.Password,
				AlertTo:  cfg.Notify.SMTP.AlertTo,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create email notifier: %w", err)
			}
			warning = append(warning, emailNotifier)
		}

		anomalyService = service.NewAnomalyService(anomalyStore, service.AnomalyConfig{
			LookbackDays: cfg.Anomaly.LookbackDays,
			QueueSize:    cfg.Anomaly.QueueSize,
			AutoSuspend:  cfg.Anomaly.AutoSuspend,
		}, logger,
			service.WithAuditRecorder(auditService),
			service.WithSuspender(principalStore),
			service.WithWarningNotifiers(warning...),
			service.WithCriticalNotifiers(critical...),
		)
		anomalyService.Start(ctx)
		defer anomalyService.Stop()
		logger.Info("anomaly pipeline enabled",
			"lookback_days", cfg.Anomaly.LookbackDays,
			"auto_suspend", cfg.Anomaly.AutoSuspend,
		)
	}

	// ===== BOOT-09: decision pipeline and gateway service =====
	statsService := service.NewStatsService()

	gatewayOpts := []service.GatewayOption{
		service.WithDecisionLog(auditService),
		service.WithGatewayStats(statsService),
		service.WithInvokeTimeout(invokeTimeout),
		service.WithUpstreamRetry(retry.Config{
			MaxAttempts:  cfg.Gateway.MaxRetries,
			InitialDelay: config.Duration(cfg.Gateway.RetryInitialDelay, 500*time.Millisecond),
		}),
		service.WithUpstreamBreakers(breaker.NewManager(breaker.Config{
			FailureThreshold: cfg.Gateway.BreakerFailureThreshold,
			RecoveryTimeout:  config.Duration(cfg.Gateway.BreakerRecoveryTimeout, time.Minute),
			OnStateChange: func(name string, from, to breaker.State) {
				logger.Warn("upstream breaker state change", "target", name, "from", from, "to", to)
			},
		})),
		service.WithMFAGate(mfaService),
	}

	var rateLimiter *memory.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = memory.NewRateLimiterWithConfig(
			config.Duration(cfg.RateLimit.CleanupInterval, 5*time.Minute),
			time.Hour,
		)
		rateLimiter.StartCleanup(ctx)
		defer rateLimiter.Stop()

		capabilityCfg := ratelimit.Config{
			Rate:        cfg.RateLimit.Capability.Rate,
			Burst:       cfg.RateLimit.Capability.Burst,
			Period:      config.Duration(cfg.RateLimit.Capability.Period, time.Minute),
			DailyBudget: cfg.RateLimit.Capability.DailyBudget,
		}
		gatewayOpts = append(gatewayOpts, service.WithRateLimit(rateLimiter, ratelimit.Config{
			Rate:        cfg.RateLimit.Principal.Rate,
			Burst:       cfg.RateLimit.Principal.Burst,
			Period:      config.Duration(cfg.RateLimit.Principal.Period, time.Minute),
			DailyBudget: cfg.RateLimit.Principal.DailyBudget,
		}, &capabilityCfg))
		logger.Debug("rate limiting enabled",
			"principal_rate", cfg.RateLimit.Principal.Rate,
			"capability_rate", cfg.RateLimit.Capability.Rate,
		)
	}

	if cfg.Injection.Enabled {
		gatewayOpts = append(gatewayOpts, service.WithInjectionScanning(injection.NewDetector(), injection.Policy{
			BlockThreshold: cfg.Injection.BlockThreshold,
			AlertThreshold: cfg.Injection.AlertThreshold,
		}))
	} else {
		gatewayOpts = append(gatewayOpts, service.WithInjectionScanning(nil, injection.Policy{}))
		logger.Warn("injection scanning disabled by config")
	}

	if anomalyService != nil {
		gatewayOpts = append(gatewayOpts, service.WithAnomalyPipeline(anomalyService, nil))
	}

	gatewayService := service.NewGatewayService(registryService, policyService, auditService, logger, gatewayOpts...)

	resources, _ := registryService.ListResources(ctx)
	capabilities, _ := registryService.ListCapabilities(ctx, "")
	logger.Info("registry ready", "resources", len(resources), "capabilities", len(capabilities))

	// ===== BOOT-10: transports =====
	if stdioTransport {
		transport := stdio.NewTransport(gatewayService, identityService,
			stdio.WithLogger(logger),
			stdio.WithServerVersion(Version),
			stdio.WithAmbientCredential(os.Getenv("SARK_API_KEY")),
		)
		logger.Info("transport mode: stdio")
		return transport.Start(ctx)
	}

	adminHandler := admin.NewAdminAPIHandler(
		admin.WithRegistryService(registryService),
		admin.WithPolicyAdminService(policyAdminService),
		admin.WithAuditStore(sqlStore),
		admin.WithDecisionStore(sqlStore),
		admin.WithAnomalyService(anomalyService),
		admin.WithMFAService(mfaService),
		admin.WithStatsService(statsService),
		admin.WithGatewayService(gatewayService),
		admin.WithCORSOrigins(cfg.Server.CORSOrigins),
		admin.WithBuildInfo(&admin.BuildInfo{
			Version:   Version,
			Commit:    Commit,
			BuildDate: BuildDate,
		}),
		admin.WithAPILogger(logger),
	)
	adminServer := &stdhttp.Server{
		Addr:        cfg.Server.AdminAddr,
		Handler:     adminHandler.Routes(),
		ReadTimeout: config.Duration(cfg.Server.ReadTimeout, 10*time.Second),
	}
	go func() {
		logger.Info("admin API listening", "addr", cfg.Server.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			logger.Error("admin server failed", "error", err)
		}
	}()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = adminServer.Shutdown(drainCtx)
	}()

	healthChecker := http.NewHealthChecker(auditService, policyService, gatewayService, mcpAdapter, eventStream, Version)

	gatewayServer := http.NewServer(gatewayService, identityService,
		http.WithAddr(cfg.Server.ListenAddr),
		http.WithLogger(logger),
		http.WithAllowedOrigins(cfg.Server.CORSOrigins),
		http.WithTimeouts(config.Duration(cfg.Server.ReadTimeout, 10*time.Second), shutdownTimeout),
		http.WithWriteTimeout(config.Duration(cfg.Server.WriteTimeout, 0)),
		http.WithChallengeVerifier(mfaService),
		http.WithEventStream(eventStream),
		http.WithHealthChecker(healthChecker),
		http.WithRuntimeMetrics(http.RuntimeSources{
			Stats:     statsService,
			Policy:    policyService,
			Gateway:   gatewayService,
			Audit:     auditService,
			Processes: mcpAdapter,
			Events:    eventStream,
		}),
	)

	printBanner(Version, cfg.Server.ListenAddr, cfg.Server.AdminAddr, cfg.Mode,
		len(resources), len(capabilities), ruleCount)

	logger.Info("transport mode: http", "addr", cfg.Server.ListenAddr)
	return gatewayServer.Start(ctx)
}

// seedIdentities loads config principals and API keys into the store.
func seedIdentities(cfg *config.Config, store *memory.PrincipalStore) {
	for _, pc := range cfg.Auth.Principals {
		store.AddPrincipal(&principal.Principal{
			ID:         pc.ID,
			Email:      pc.Email,
			Role:       pc.Role,
			Teams:      pc.Teams,
			MFAMethods: pc.MFAMethods,
		})
	}

	now := time.Now().UTC()
	for _, kc := range cfg.Auth.APIKeys {
		// "sha256:<hex>" is stored as bare hex so the store's hash
		// lookup fast path applies. Argon2id PHC strings are stored
		// as-is and verified by iteration.
		store.AddKey(&principal.APIKey{
			Key:         strings.TrimPrefix(kc.KeyHash, "sha256:"),
			PrincipalID: kc.PrincipalID,
			Name:        kc.Name,
			CreatedAt:   now,
		})
	}
}

// seedResources registers config resources through adapter discovery.
// Failures are non-fatal: the upstream may simply not be running yet,
// and the admin API can register it later.
func seedResources(ctx context.Context, cfg *config.Config, registry *service.RegistryService, logger *slog.Logger) {
	for _, rc := range cfg.Resources {
		registered, err := registry.RegisterResource(ctx, resource.Protocol(rc.Protocol), protocol.DiscoveryConfig{
			Name:     rc.Name,
			Endpoint: rc.Endpoint,
			Metadata: rc.Metadata,
		})
		if err != nil {
			logger.Error("resource registration failed",
				"name", rc.Name, "protocol", rc.Protocol, "error", err)
			continue
		}
		if rc.Sensitivity == "" {
			continue
		}
		level := resource.Sensitivity(rc.Sensitivity)
		for _, res := range registered {
			caps, err := registry.ListCapabilities(ctx, res.ID)
			if err != nil {
				logger.Warn("sensitivity override skipped", "resource", res.Name, "error", err)
				continue
			}
			for _, c := range caps {
				if err := registry.OverrideSensitivity(ctx, c.ID, level, "config", "configured resource sensitivity"); err != nil {
					logger.Warn("sensitivity override failed", "capability", c.ID, "error", err)
				}
			}
		}
	}
}

// openAuditStore opens the relational audit store selected by the DSN:
// a postgres:// URL opens PostgreSQL, anything else opens SQLite.
func openAuditStore(cfg *config.Config, logger *slog.Logger) (*auditstore.SQLStore, error) {
	dsn := cfg.Audit.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		logger.Debug("audit store: postgresql")
		return auditstore.NewPostgresStore(dsn, logger)
	}
	logger.Debug("audit store: sqlite", "path", dsn)
	return auditstore.NewSQLiteStore(dsn, logger)
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses, mode, and registry counts. Only called in HTTP mode to
// avoid interfering with the MCP stream on stdout.
func printBanner(version, listenAddr, adminAddr, mode string, resources, capabilities, rules int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	gatewayURL := fmt.Sprintf("http://%s/api/v1", listenAddr)
	if strings.HasPrefix(listenAddr, ":") {
		gatewayURL = fmt.Sprintf("http://localhost%s/api/v1", listenAddr)
	}
	adminURL := fmt.Sprintf("http://%s/admin/api", adminAddr)
	if strings.HasPrefix(adminAddr, ":") {
		adminURL = fmt.Sprintf("http://localhost%s/admin/api", adminAddr)
	}

	modeStr := green + mode + reset
	if mode == config.ModeDevelopment {
		modeStr = yellow + mode + reset + dim + " (seeded identities)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s SARK %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Gateway:", gatewayURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Admin API:", adminURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d registered\n", "Resources:", resources)
	fmt.Fprintf(os.Stderr, "  %-14s %d governed\n", "Capabilities:", capabilities)
	fmt.Fprintf(os.Stderr, "  %-14s %d active\n", "Rules:", rules)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
