package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"confab/internal/auth"
	"confab/internal/chat"
	"confab/internal/commands"
	"confab/internal/config"
	"confab/internal/directory"
	"confab/internal/http"
	"confab/internal/push"
	"confab/internal/storage"
)

func run(ctx context.Context) error {
	addUser := flag.String("add-user", "", "Username to create via the signup API of a running server")
	flag.Parse()

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg)
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	dir := directory.New(ctx, bbStorage)
	registry := chat.NewRegistry()
	pushService := push.NewService(push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDContact,
	}, bbStorage)
	router := chat.NewRouter(registry, bbStorage, dir, pushService)
	history := chat.NewHistory(bbStorage, dir)

	apiServer := http.NewAPIServer(
		authService, dir, registry, router, history, pushService,
		cfg.HandshakeTimeout, cfg.APIAddr,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
