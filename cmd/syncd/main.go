package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/auth"
	"rocket-sync-lite/internal/config"
	"rocket-sync-lite/internal/lifecycle"
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/server"
	"rocket-sync-lite/internal/store"
	"rocket-sync-lite/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	shutdownLogger := logger.Init(logger.Options{Debug: cfg.Debug, Dir: cfg.LogDir})
	ctx := context.Background()
	cleaner := lifecycle.NewCleaner()

	var (
		persister store.Persister
		mongo     *store.MongoPersister
	)
	switch {
	case cfg.MongoURI != "":
		mongo, err = store.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.FatalF("connect mongo: %v", err)
		}
		persister = mongo
	case cfg.StateDir != "":
		persister = store.NewFilePersister(cfg.StateDir)
	}

	manager, err := store.NewManager(ctx, persister, model.Schema())
	if err != nil {
		logger.FatalF("open stores: %v", err)
	}
	sel := selection.New()

	var api *server.Shutdown
	supervisor := worker.NewSupervisor(manager, sel, worker.SupervisorOptions{
		Insecure:       cfg.Insecure,
		ResumeToken:    cfg.ResumeToken,
		KeepAlive:      cfg.KeepAlive,
		ReconnectDelay: cfg.ReconnectDelay,
		Listener: listener.Options{
			UploadChunkSize:   cfg.UploadChunkSize,
			UploadConcurrency: cfg.UploadConcurrency,
		},
	})

	for i, hostname := range cfg.Servers {
		id, err := supervisor.Add(ctx, hostname)
		if err != nil {
			logger.FatalF("add server %s: %v", hostname, err)
		}
		if i == 0 {
			sel.Set(selection.KeySelectedServer, id)
		}
		logger.InfoF("supervising %s as %s", hostname, id)
	}

	if cfg.APIEnabled() {
		keys, err := auth.ParseKeys(cfg.APIKeys)
		if err != nil {
			logger.FatalF("parse SYNC_API_KEYS: %v", err)
		}
		if len(keys) == 0 {
			logger.Warn("SYNC_API_KEYS is empty, nobody can sign in to the control api")
		}

		gin.SetMode(cfg.GinMode)
		router := server.NewRouter(server.Deps{
			Stores:      manager,
			Selection:   sel,
			TokenConfig: auth.DefaultTokenConfig(cfg.MasterSecret, cfg.TokenExpiry),
			Keys:        keys,
		})
		httpServer := server.NewHTTPServer(cfg, router)
		api = &server.Shutdown{Server: httpServer}
		go func() {
			if err := server.Run(httpServer, cfg); err != nil {
				logger.ErrorF("control api stopped: %v", err)
			}
		}()
	}

	// API first so no write lands after the workers stopped, then save the
	// stores before the database goes away.
	if api != nil {
		cleaner.Add(api)
	}
	cleaner.Add(supervisor)
	cleaner.Add(manager)
	if mongo != nil {
		cleaner.Add(mongo)
	}

	<-cleaner.Init(ctx, shutdownLogger)
}
