package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hqms/token-service/internal/announce"
	"hqms/token-service/internal/config"
	"hqms/token-service/internal/httpapi"
	"hqms/token-service/internal/queue"
	"hqms/token-service/internal/store"
	"hqms/token-service/internal/store/memory"
	"hqms/token-service/internal/store/postgres"
	"hqms/token-service/internal/telemetry"
	"hqms/token-service/internal/triage"
	"hqms/token-service/internal/verify"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// backend is the token store plus the directory lookups the issuance and
// verification paths need. Both store implementations satisfy it.
type backend interface {
	store.TokenStore
	verify.PatientDirectory
	queue.DoctorDirectory
}

func main() {
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("token-service")

	var tokens backend
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		tokens = postgres.NewStore(pool, postgres.Options{MaxRetries: cfg.AllocMaxRetries})
	} else {
		log.Printf("DB_DSN not set, using in-memory store")
		tokens = memory.NewStore(memory.Options{MaxRetries: cfg.AllocMaxRetries})
	}

	var codes verify.CodeStore
	if cfg.RedisAddr != "" {
		codes = verify.NewRedisCodeStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		log.Printf("REDIS_ADDR not set, using in-memory code store")
		codes = verify.NewMemoryCodeStore()
	}

	var biometric verify.BiometricConfirmer
	if cfg.BiometricURL != "" {
		biometric = verify.NewHTTPBiometric(cfg.BiometricURL, cfg.BiometricTimeout)
	} else {
		log.Printf("BIOMETRIC_URL not set, biometric confirmation disabled")
		biometric = verify.StaticBiometric{Confirmed: true}
	}

	var source triage.KnowledgeSource
	if cfg.TriageSourceURL != "" {
		source = triage.NewHTTPSource(cfg.TriageSourceURL, cfg.TriageTimeout, cfg.TriageCacheTTL)
	} else {
		source = triage.NewStaticSource(nil)
	}

	verifier := verify.NewService(tokens, biometric, codes, verify.Options{CodeTTL: cfg.CodeTTL})
	resolver := triage.NewResolver(source)
	issuer := queue.NewIssuer(tokens, tokens)
	manager := queue.NewManager(tokens)
	projector := queue.NewProjector(tokens, cfg.CalledDisplayLimit)
	dispatcher := announce.NewDispatcher(tokens, announce.Options{
		Interval:  cfg.AnnounceInterval,
		BatchSize: cfg.AnnounceBatchSize,
	})

	handler := httpapi.NewHandler(httpapi.Dependencies{
		Verifier:  verifier,
		Resolver:  resolver,
		Issuer:    issuer,
		Manager:   manager,
		Projector: projector,
		Tokens:    tokens,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		PhonePerMinute: cfg.PhoneRateLimitPerMinute,
		PhoneBurst:     cfg.PhoneRateLimitBurst,
	})

	routes := httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes()))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(routes, "token-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go dispatcher.Run(dispatcherCtx)

	announcements, unsubscribe := dispatcher.Subscribe(32)
	defer unsubscribe()
	go func() {
		for announcement := range announcements {
			log.Printf("announce token=%s number=%s patient=%q doctor=%q", announcement.TokenID, announcement.DisplayNumber, announcement.PatientName, announcement.DoctorName)
		}
	}()

	go func() {
		log.Printf("token-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopDispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := shutdownTelemetry(ctx); err != nil {
		log.Printf("telemetry shutdown error: %v", err)
	}
}
