package main

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relatecrm/relate-sdk/modules"
	"github.com/relatecrm/relate-sdk/modules/crm/services"
	"github.com/relatecrm/relate-sdk/pkg/application"
	"github.com/relatecrm/relate-sdk/pkg/configuration"
	"github.com/relatecrm/relate-sdk/pkg/eventbus"
	"github.com/relatecrm/relate-sdk/pkg/middleware"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	connCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	pool, err := pgxpool.New(connCtx, conf.Database.Opts)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(logger),
		Logger:   logger,
	})
	if err := modules.Load(app, modules.BuiltInModules...); err != nil {
		log.Fatalf("failed to load modules: %v", err)
	}
	if err := applySchemas(context.Background(), pool, app.Schemas()); err != nil {
		log.Fatalf("failed to apply database schema: %v", err)
	}

	router := mux.NewRouter()
	router.Use(
		middleware.WithLogger(logger),
		middleware.ProvidePool(pool),
		middleware.ProvideTenant(),
		middleware.WithTransaction(),
	)
	for _, controller := range app.Controllers() {
		controller.Register(router)
	}

	server := &http.Server{
		Addr:              conf.SocketAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", conf.SocketAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}

	// Let in-flight import jobs reach a terminal status before the pool
	// closes under them.
	importService := app.Service(services.ImportService{}).(*services.ImportService)
	importService.Wait()

	configuration.Use().Unload()
}

func applySchemas(ctx context.Context, pool *pgxpool.Pool, schemas []*embed.FS) error {
	for _, files := range schemas {
		err := fs.WalkDir(files, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".sql") {
				return nil
			}
			content, err := files.ReadFile(path)
			if err != nil {
				return err
			}
			_, err = pool.Exec(ctx, string(content))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
