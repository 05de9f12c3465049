// Package main starts the server: configuration, logging, persistence
// (PostgreSQL or in-memory), optional bootstrap seeding, and the HTTP API.
package main

import (
	"cmp"
	"context"
	"fmt"
	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/atinyakov/RealmKeeper/internal/certgen"
	"github.com/atinyakov/RealmKeeper/internal/config"
	"github.com/atinyakov/RealmKeeper/internal/logger"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/repository"
	"github.com/atinyakov/RealmKeeper/internal/server/handler/http"
	"github.com/atinyakov/RealmKeeper/internal/service"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	options := config.Parse()

	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	ctx := context.Background()

	var repo repository.ServerRepository
	if options.DatabaseDSN != "" {
		db, err := repository.OpenPostgres(ctx, options.DatabaseDSN)
		if err != nil {
			zapLogger.Fatal("cannot init database", zap.Error(err))
		}
		defer db.Close()
		repo = repository.NewPostgresRepository(db)
		zapLogger.Info("using postgres repository")
	} else {
		repo = repository.NewMemoryRepository()
		zapLogger.Info("using in-memory repository")
	}

	certs := service.NewCertificateService(repo, nil, options.Ballpark)
	vlobs := service.NewVlobService(repo, certs)

	if options.Bootstrap != "" {
		bundle, err := certgen.LoadBundle(options.Bootstrap)
		if err != nil {
			zapLogger.Fatal("cannot load bootstrap bundle", zap.Error(err))
		}
		for _, c := range bundle.Certificates {
			if err := certs.Inject(ctx, models.CommonTopic(), c.Timestamp, c.Blob); err != nil {
				zapLogger.Fatal("cannot seed bootstrap certificate", zap.Error(err))
			}
		}
		zapLogger.Info("bootstrap seeded",
			zap.Int("certificates", len(bundle.Certificates)),
			zap.String("user", bundle.Device.UserID.String()))
	}

	router := http.NewRouter(
		&http.CertificateHandler{Certificates: certs},
		&http.VlobHandler{Vlobs: vlobs},
		zapLogger,
	)

	zapLogger.Info("starting HTTP server", zap.String("addr", options.Addr))
	if err := nethttp.ListenAndServe(options.Addr, router); err != nil {
		zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
	}
}
