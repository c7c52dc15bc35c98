package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/officialexam/exam-api/internal/auth"
	"github.com/officialexam/exam-api/internal/config"
	"github.com/officialexam/exam-api/internal/httputil"
	"github.com/officialexam/exam-api/internal/notificacao"
	"github.com/officialexam/exam-api/internal/observability"
	"github.com/officialexam/exam-api/internal/users"
	"github.com/officialexam/exam-api/internal/utils/db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const usage = `usage: exam-api [command]

commands:
  serve                               run the HTTP server (default)
  migrate                             create or update the schema
  seed-admin                          create or update ADMIN_EMAIL with role ADMIN
  reset-password -email E [-password P]  set a user's password
  check-env                           validate configuration and exit
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if cmd == "check-env" {
		if err != nil {
			fmt.Fprintln(os.Stderr, "configuration invalid:", err)
			os.Exit(1)
		}
		fmt.Println("configuration ok")
		return
	}

	log := logrus.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log = observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	switch cmd {
	case "serve":
		serve(cfg, log)
	case "migrate":
		gdb := connect(cfg, log)
		log.Info("schema migrated")
		closeDB(gdb)
	case "seed-admin":
		seedAdmin(cfg, log)
	case "reset-password":
		resetPassword(cfg, log, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// connect opens the database and migrates the schema, exiting on failure.
func connect(cfg *config.Config, log *logrus.Logger) *gorm.DB {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gdb, err := db.ConnectDataBase(ctx, cfg, log)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := gdb.AutoMigrate(&users.User{}, &auth.RefreshToken{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	return gdb
}

func closeDB(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func seedAdmin(cfg *config.Config, log *logrus.Logger) {
	gdb := connect(cfg, log)
	defer closeDB(gdb)

	u, created, err := users.SeedAdmin(gdb, users.NewRepository(), cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		log.Fatalf("seed admin: %v", err)
	}
	log.WithFields(logrus.Fields{"email": u.Email, "created": created}).Info("admin user ready")
}

func resetPassword(cfg *config.Config, log *logrus.Logger, args []string) {
	fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "new password (generated when empty)")
	_ = fs.Parse(args)
	if *email == "" {
		fs.Usage()
		os.Exit(2)
	}

	gdb := connect(cfg, log)
	defer closeDB(gdb)

	plain, err := users.ResetPassword(gdb, users.NewRepository(), *email, *password)
	if err != nil {
		log.Fatalf("reset password: %v", err)
	}
	if *password == "" {
		fmt.Printf("temporary password for %s: %s\n", users.NormalizeEmail(*email), plain)
		return
	}
	log.WithField("email", users.NormalizeEmail(*email)).Info("password updated")
}

func serve(cfg *config.Config, log *logrus.Logger) {
	gdb := connect(cfg, log)
	defer closeDB(gdb)

	codec, err := auth.NewTokenCodec(cfg.JWT)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	service := auth.NewService(auth.ServiceConfig{
		DB:                gdb,
		Codec:             codec,
		MaxActiveSessions: cfg.MaxActiveSessions,
		Log:               log,
		Metrics:           metrics,
		Notifier:          notificacao.NewWebhook(cfg.SecurityWebhookURL, log),
	})

	router := newRouter(routerDeps{
		DB:            gdb,
		Log:           log,
		Metrics:       metrics,
		Service:       service,
		Guard:         auth.NewGuard(codec),
		SecureCookies: cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler(cfg).Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "env": cfg.Env}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func corsHandler(cfg *config.Config) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
}

type routerDeps struct {
	DB            *gorm.DB
	Log           *logrus.Logger
	Metrics       *observability.Metrics
	Service       *auth.Service
	Guard         *auth.Guard
	SecureCookies bool
}

func newRouter(d routerDeps) *mux.Router {
	r := mux.NewRouter()
	r.Use(observability.Recoverer(d.Log), observability.RequestLogger(d.Log, d.Metrics))

	// Public
	r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz(d.DB)).Methods(http.MethodGet)

	auth.NewHandler(d.Service, d.Guard, d.Log, d.SecureCookies).RegisterRoutes(r)

	// Admin
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(d.Guard.RequireAccess, auth.RequireRole(users.RoleAdmin))
	users.NewHandler(d.DB, d.Log).RegisterRoutes(admin)

	return r
}

// GET /healthz
func healthz(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := gdb.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			_ = httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
