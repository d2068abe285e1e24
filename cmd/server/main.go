package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"claim-intake-server/internal/assistant"
	"claim-intake-server/internal/config"
	"claim-intake-server/internal/db"
	"claim-intake-server/internal/handlers"
	"claim-intake-server/internal/intake"
	"claim-intake-server/internal/nlu"
	"claim-intake-server/internal/notify"
	"claim-intake-server/internal/realtime"
	"claim-intake-server/internal/valuation"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading configuration from the environment")
	}

	cfg, err := config.Load("intake")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Server.StorageDir, 0755); err != nil {
		log.Fatal(err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if cfg.Content.PostsFile != "" {
		seedPosts(ctx, store, cfg.Content.PostsFile)
	}

	hub := realtime.NewHub(cfg.Admin.Token)
	go hub.Run(ctx)

	detector, err := newDetector(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to init NLU: %v", err)
	}

	svc := &intake.Service{
		Store:           store,
		Detector:        detector,
		Publisher:       hub,
		TerminalIntents: cfg.NLU.TerminalIntents,
		Estimator:       valuation.Estimator{Now: time.Now},
	}
	if cfg.Assistant.Enabled {
		responder, err := assistant.New(cfg.Assistant.Model, cfg.Assistant.APIKey, cfg.Assistant.BaseURL, cfg.Assistant.HistoryLimit)
		if err != nil {
			log.Fatalf("Failed to init assistant: %v", err)
		}
		svc.Assistant = responder
		log.Printf("Assistant enabled with model %s", cfg.Assistant.Model)
	}
	if n := newNotifier(cfg); n != nil {
		svc.Notifier = n
	}

	h := handlers.New(store, svc, hub, handlers.Options{
		StorageDir:         cfg.Server.StorageDir,
		PublicURL:          cfg.Server.PublicURL,
		AdminToken:         cfg.Admin.Token,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		TotalLossThreshold: cfg.Valuation.TotalLossThreshold,
		Estimator:          svc.Estimator,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Printf("Server starting on port %s...", cfg.Server.Port)
		log.Printf("Database driver: %s", cfg.Database.Driver)
		log.Printf("Storage directory: %s", cfg.Server.StorageDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := db.OpenPostgres(ctx, cfg.Database.URL, db.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.BoltPath), 0755); err != nil {
			return nil, err
		}
		database := db.New(cfg.Database.BoltPath)
		if err := database.Load(); err != nil {
			return nil, err
		}
		log.Printf("Data file: %s", cfg.Database.BoltPath)
		return database, nil
	}
}

func newDetector(ctx context.Context, cfg *config.Config) (nlu.Detector, error) {
	if cfg.NLU.Provider == "dialogflow" {
		log.Printf("NLU: Dialogflow project %s", cfg.NLU.ProjectID)
		return nlu.NewDialogflow(ctx, cfg.NLU.ProjectID, cfg.NLU.LanguageCode, cfg.NLU.Endpoint, cfg.NLU.MaxRetries)
	}
	log.Println("NLU: offline keyword matcher")
	terminal := "claim.intake.complete"
	if len(cfg.NLU.TerminalIntents) > 0 {
		terminal = cfg.NLU.TerminalIntents[0]
	}
	k := nlu.NewKeyword(terminal)
	if cfg.NLU.SessionTTL > 0 {
		go k.Run(ctx, cfg.NLU.SessionTTL/4, cfg.NLU.SessionTTL)
	}
	return k, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers notify.Multi
	if cfg.EmailEnabled() {
		notifiers = append(notifiers, notify.NewEmail(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, cfg.SMTP.To))
		log.Printf("Lead emails go to %v", cfg.SMTP.To)
	}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Printf("Telegram alerts disabled: %v", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	if len(notifiers) == 0 {
		log.Println("No lead notifiers configured")
		return nil
	}
	return notifiers
}

func seedPosts(ctx context.Context, store db.Store, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("Skipping post seed: %v", err)
		return
	}
	defer f.Close()
	n, err := db.SeedPosts(ctx, store, f)
	if err != nil {
		log.Printf("Post seed stopped after %d: %v", n, err)
		return
	}
	log.Printf("Seeded %d posts from %s", n, path)
}
