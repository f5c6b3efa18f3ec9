package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/go-syncserver/cache"
	"github.com/mozilla-services/go-syncserver/config"
	"github.com/mozilla-services/go-syncserver/syncstorage"
	"github.com/mozilla-services/go-syncserver/web"
)

const (
	// leave recently expired rows alone so in-flight conditional
	// requests don't see counts change under them
	purgeGraceSeconds = 60

	// bound each sweep so it never holds the database for long
	purgeMaxItems = 1000
)

func main() {
	switch config.Log.Level {
	case "panic":
		log.SetLevel(log.PanicLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if config.Log.Mozlog {
		log.SetFormatter(&web.MozlogFormatter{
			Hostname: config.Hostname,
			Pid:      os.Getpid(),
		})
	}

	sqlStore, err := syncstorage.NewSQLStore(syncstorage.Config{
		SqlURI:              config.Storage.Sqluri,
		StandardCollections: config.Storage.StandardCollections,
		UseQuota:            config.Storage.UseQuota,
		QuotaSize:           config.Storage.QuotaSize,
		PoolSize:            config.Storage.PoolSize,
		PoolRecycle:         config.Storage.PoolRecycle,
		Shard:               config.Storage.Shard,
		ShardSize:           config.Storage.Shardsize,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"err":    err.Error(),
			"sqluri": config.Storage.Sqluri,
		}).Fatal("Could not open storage")
	}
	defer sqlStore.Close()

	var (
		store       syncstorage.Storage = sqlStore
		cacheClient *cache.Cache
	)

	if len(config.Storage.CacheServers) > 0 {
		cacheClient = cache.New(config.Storage.CacheServers)
	}

	if config.Storage.Backend == "cached-sql" {
		store = cache.NewCachedStorage(sqlStore, cacheClient)
	}

	handlerConfig := web.DefaultSyncHandlerConfig()
	handlerConfig.UseQuota = config.Storage.UseQuota
	handlerConfig.QuotaSize = config.Storage.QuotaSize

	// request chain, innermost first
	var handler http.Handler
	handler = web.NewSyncHandler(store, handlerConfig)
	handler = web.NewHawkHandler(handler, config.Auth.Secrets, config.Auth.ExpiredTokenTimeout)
	handler = web.NewNodeStatusHandler(handler, cacheClient, web.NodeStatusConfig{
		CheckNodeStatus: config.Storage.CheckNodeStatus,
		Hostname:        config.Hostname,
		RetryAfter:      config.Mozsvc.RetryAfter,
	})
	handler = web.NewInfoHandler(handler, store)
	handler = web.NewLogHandler(log.StandardLogger(), handler)

	if config.EnablePprof {
		log.Info("Enabling pprof on localhost:6060")
		go func() {
			// net/http/pprof registers itself on the default mux
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.WithFields(log.Fields{"err": err.Error()}).Error("pprof listener failed")
			}
		}()
	}

	stopPurge := make(chan struct{})
	if config.Storage.PurgeInterval > 0 {
		go purgeLoop(sqlStore, time.Duration(config.Storage.PurgeInterval)*time.Second, stopPurge)
	}

	listenOn := config.Host + ":" + strconv.Itoa(config.Port)
	server := &http.Server{
		Addr:    listenOn,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":    listenOn,
			"backend": config.Storage.Backend,
		}).Info("Server started")

		if config.Tls.Cert != "" && config.Tls.Key != "" {
			errCh <- server.ListenAndServeTLS(config.Tls.Cert, config.Tls.Key)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithFields(log.Fields{"err": err.Error()}).Fatal("Server failed")
	case sig := <-sigCh:
		log.WithFields(log.Fields{"signal": sig.String()}).Info("Shutting down")
	}

	close(stopPurge)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithFields(log.Fields{"err": err.Error()}).Error("Shutdown failed")
	}
}

// purgeLoop sweeps expired BSOs and stale batches until stopped
func purgeLoop(store *syncstorage.SQLStore, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			purged, err := store.PurgeExpired(purgeGraceSeconds, purgeMaxItems)
			if err != nil {
				log.WithFields(log.Fields{"err": err.Error()}).Error("TTL purge failed")
			} else if purged > 0 {
				log.WithFields(log.Fields{"bsos_purged": purged}).Info("TTL purge")
			}

			batches, err := store.PurgeBatches(syncstorage.BATCH_LIFETIME)
			if err != nil {
				log.WithFields(log.Fields{"err": err.Error()}).Error("Batch purge failed")
			} else if batches > 0 {
				log.WithFields(log.Fields{"batches_purged": batches}).Info("Batch purge")
			}
		}
	}
}
