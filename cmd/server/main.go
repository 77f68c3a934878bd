package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"skimmer/internal/blob"
	"skimmer/internal/config"
	"skimmer/internal/db"
	"skimmer/internal/fetch"
	"skimmer/internal/handler"
	transport "skimmer/internal/http"
	"skimmer/internal/logger"
	"skimmer/internal/remote"
	"skimmer/internal/repository"
	"skimmer/internal/scheduler"
	"skimmer/internal/snowflake"
	syncsvc "skimmer/internal/sync"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	if err := snowflake.Init(1); err != nil {
		log.Fatalf("init snowflake: %v", err)
	}

	dbConn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer dbConn.Close()

	blobs, err := blob.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("open blob store: %v", err)
	}

	feedRepo := repository.NewFeedRepository(dbConn)
	itemRepo := repository.NewItemRepository(dbConn)
	readMarkRepo := repository.NewReadMarkRepository(dbConn)

	client := fetch.NewClient(nil)
	remoteClient := remote.New(cfg.RemoteURL, cfg.RemoteToken, nil)

	syncService := syncsvc.NewService(
		feedRepo, itemRepo, readMarkRepo, blobs, client, remoteClient, nil,
		cfg.MaxItemsPerFeed, cfg.SyncLanes,
	)

	syncHandler := handler.NewSyncHandler(syncService, cfg.MinFeedAge)
	feedHandler := handler.NewFeedHandler(feedRepo, itemRepo)
	itemHandler := handler.NewItemHandler(feedRepo, itemRepo, blobs, remoteClient)

	router := transport.NewRouter(syncHandler, feedHandler, itemHandler)

	sched := scheduler.New(syncService, cfg.SyncInterval, cfg.MinFeedAge)
	sched.Start()

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down...")
		sched.Stop()
		os.Exit(0)
	}()

	if err := router.Start(cfg.Addr); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
