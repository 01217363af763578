package server

import (
	"context"
	"encoding/hex"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scriptgate/config"
	"scriptgate/internal/db"
	"scriptgate/internal/gateway"
	"scriptgate/internal/health"
	"scriptgate/internal/identity"
	"scriptgate/internal/lifecycle"
	"scriptgate/internal/logs"
	"scriptgate/internal/middleware"
	"scriptgate/internal/models"
	"scriptgate/internal/scripts"
	"scriptgate/internal/settings"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	a.db = d

	if err := a.db.AutoMigrate(
		&models.User{},
		&models.Device{},
		&models.DeviceApprovalRequest{},
		&models.ScriptVersion{},
		&models.Setting{},
		&models.DeviceAccessLog{},
	); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	// 3) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, a.db)

	// 4) Домены: identity / lifecycle / scripts / settings
	ids := identity.NewStore(a.db)
	fsm := lifecycle.NewMachine(ids)
	set := settings.NewStore(a.db)

	var payloadKey []byte
	if a.cfg.Crypto.PayloadKey != "" {
		payloadKey, err = hex.DecodeString(a.cfg.Crypto.PayloadKey)
		if err != nil {
			log.Fatalf("crypto.payload_key: %v", err)
		}
	}
	reg, err := scripts.NewRegistry(a.db, payloadKey)
	if err != nil {
		log.Fatalf("script registry: %v", err)
	}

	if a.cfg.Admin.JWTSecret == "" {
		log.Fatalf("admin.jwt_secret is required")
	}

	// 5) Gateway
	gw := gateway.New(ids, reg, set, fsm, gateway.Options{
		MaxDevicesPerUser:  a.cfg.Gateway.MaxDevicesPerUser,
		AutoApproveDevices: a.cfg.Gateway.AutoApproveDevices,
		DeviceExpiryDays:   a.cfg.Gateway.DeviceExpiryDays,
		HWIDMaxLen:         a.cfg.Gateway.HWIDMaxLen,
		FingerprintMaxLen:  a.cfg.Gateway.FingerprintMaxLen,
		MaxPayloadBytes:    a.cfg.Gateway.MaxPayloadBytes,
		AdminUsername:      a.cfg.Admin.Username,
		AdminPassword:      a.cfg.Admin.Password,
		JWTSecret:          a.cfg.Admin.JWTSecret,
		TokenTTL:           time.Duration(a.cfg.Admin.TokenTTLMinutes) * time.Minute,
	})
	gw.RegisterRoutes(a.Router)

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
