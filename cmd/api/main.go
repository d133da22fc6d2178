package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/markchat/backend/internal/config"
	"github.com/zhouzirui/markchat/backend/internal/handler"
	"github.com/zhouzirui/markchat/backend/internal/service/chat"
	"github.com/zhouzirui/markchat/backend/internal/service/ingest"
	"github.com/zhouzirui/markchat/backend/internal/service/relay"
	"github.com/zhouzirui/markchat/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, closeStore := openStorage(ctx, cfg.Storage)
	defer closeStore()

	chatService := chat.NewService(store)
	if err := chatService.Load(ctx); err != nil {
		log.Printf("warning: failed to restore conversations: %v", err)
	}

	relayService := relay.NewService(cfg.Relay, nil)
	engine := ingest.NewEngine(cfg.Engine, chatService, nil)
	log.Printf("relay upstream %s, engine posting to %s", cfg.Relay.BackendURL, cfg.Engine.RelayURL)

	router := handler.NewRouter(cfg.Server, relayService, chatService, engine)

	startServer(ctx, cfg.Server, router)

	// Let background sends settle so their final state is persisted.
	engine.Wait()
}

// openStorage falls back to memory when the database cannot be opened.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, func()) {
	if cfg.InMemory() {
		log.Println("storage: in-memory only")
		return storage.NewMemory(), func() {}
	}

	db, err := storage.OpenSQLite(ctx, cfg.Path)
	if err != nil {
		log.Printf("warning: failed to open storage %s: %v", cfg.Path, err)
		log.Println("continuing with in-memory storage")
		return storage.NewMemory(), func() {}
	}

	log.Printf("storage: sqlite %s", cfg.Path)
	return db, func() {
		if err := db.Close(); err != nil {
			log.Printf("warning: failed to close storage: %v", err)
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("markchat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
