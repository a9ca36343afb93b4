package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/nileauth/internal/auth"
	"github.com/example/nileauth/internal/config"
	"github.com/example/nileauth/internal/credential"
	"github.com/example/nileauth/internal/logger"
	"github.com/example/nileauth/internal/store"
	"github.com/example/nileauth/internal/token"
)

type App struct {
	cfg      *config.Config
	users    store.Users
	flow     *auth.Flow
	log      *zap.Logger
	validate *validator.Validate
}

// NewApp wires the token, credential and auth layers over users.
func NewApp(cfg *config.Config, users store.Users, log *zap.Logger) (*App, error) {
	tcfg := token.Config{
		AccessSecret:  []byte(cfg.JwtSecret),
		RefreshSecret: []byte(cfg.RefreshSecret),
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		Issuer:        "nileauth",
	}
	issuer, err := token.NewIssuer(tcfg)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	verifier, err := token.NewVerifier(tcfg)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	hasher, err := credential.NewHasher(cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}
	flow, err := auth.NewFlow(users, issuer, verifier, hasher, log)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:      cfg,
		users:    users,
		flow:     flow,
		log:      log,
		validate: validator.New(),
	}, nil
}

// Routes builds the router. Auth routes are served at the root and under
// /api/v1/auth, account routes at the root and under /api/v1.
func (a *App) Routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(a.HandleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(a.HandleNotFound)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)

	a.mountAuth(r)
	a.mountAuth(r.PathPrefix("/api/v1/auth").Subrouter())
	a.mountAccount(r)
	a.mountAccount(r.PathPrefix("/api/v1").Subrouter())

	// mux only runs r.Use middleware on matched routes, so the chain wraps
	// the router to cover 404s and preflight requests too.
	return SecurityHeaders(a.Logging(a.Recover(a.CORS(r))))
}

func (a *App) mountAuth(r *mux.Router) {
	r.HandleFunc("/register", a.HandleRegister).Methods(http.MethodPost)
	r.HandleFunc("/login", a.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/refresh", a.HandleRefresh).Methods(http.MethodGet)
	r.HandleFunc("/logout", a.HandleLogout).Methods(http.MethodGet, http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(a.Protect)
	protected.HandleFunc("/updateMyPassword", a.HandleUpdatePassword).Methods(http.MethodPatch)
}

func (a *App) mountAccount(r *mux.Router) {
	protected := r.NewRoute().Subrouter()
	protected.Use(a.Protect)
	protected.HandleFunc("/me", a.HandleMe).Methods(http.MethodGet)

	admin := r.PathPrefix("/users").Subrouter()
	admin.Use(a.Protect, a.RestrictTo(store.RoleAdmin))
	admin.HandleFunc("/{id}", a.HandleDeleteUser).Methods(http.MethodDelete)
}

func openStore(ctx context.Context, c *config.Config, log *zap.Logger) (store.Users, error) {
	switch c.DBAdapter {
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := store.NewSQLite(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		log.Info("using sqlite store", zap.String("file", c.SQLiteFile))
		return s, nil
	case "postgres":
		log.Info("applying database migrations", zap.String("dir", c.MigrationsDir))
		if err := store.ApplyMigrations(c.MigrationsDir, c.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := store.NewPostgres(c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		log.Info("connected to PostgreSQL database")
		return p, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info("using redis store", zap.String("addr", c.RedisAddr))
		return store.NewRedis(rdb, c.RedisPrefix), nil
	case "memory":
		log.Warn("using in-memory store (not recommended for production)")
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
}

func main() {
	c, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(c.LogLevel, c.Environment)
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	users, err := openStore(ctx, c, log)
	cancel()
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	app, err := NewApp(c, users, log)
	if err != nil {
		users.Close()
		log.Fatal("init app", zap.Error(err))
	}

	srv := &http.Server{
		Handler:           app.Routes(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("port", c.Port), zap.String("env", c.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
	if err := users.Close(); err != nil {
		log.Error("close store", zap.Error(err))
	}
	log.Info("server exited properly")
}
