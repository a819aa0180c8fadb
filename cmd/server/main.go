package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/vaultline/escrow/internal/api"
	"github.com/vaultline/escrow/internal/auth"
	"github.com/vaultline/escrow/internal/config"
	"github.com/vaultline/escrow/internal/custody"
	"github.com/vaultline/escrow/internal/engine"
	"github.com/vaultline/escrow/internal/notify"
	"github.com/vaultline/escrow/internal/payment"
	"github.com/vaultline/escrow/internal/repository"
	"github.com/vaultline/escrow/internal/repository/dynamo"
	"github.com/vaultline/escrow/internal/store"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "escrow.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	txns, events, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to init store: %v", err)
	}

	blobs, err := custody.NewFSStore(cfg.BlobDir, cfg.MaxFileSize)
	if err != nil {
		log.Fatalf("Failed to init blob store: %v", err)
	}

	gateway := payment.NewSandboxGateway(cfg.WebhookSecret)
	dispatcher := notify.NewLogDispatcher()
	svc := engine.NewService(txns, events, gateway, blobs, dispatcher)

	gate := auth.NewStaticGate(principals(cfg))

	router := api.NewRouter(svc, gateway, gate)

	log.Printf("Escrow transaction service")
	log.Printf("Store backend: %s", cfg.Store.Backend)
	log.Printf("Listening on http://localhost:%s", cfg.Port)
	log.Printf("API base: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("")
	log.Printf("Endpoints:")
	log.Printf("  POST   /api/v1/transactions")
	log.Printf("  GET    /api/v1/transactions/{id}")
	log.Printf("  POST   /api/v1/transactions/{id}/pay")
	log.Printf("  POST   /api/v1/transactions/{id}/upload")
	log.Printf("  GET    /api/v1/transactions/{id}/download")
	log.Printf("  POST   /api/v1/transactions/{id}/cancel")
	log.Printf("  POST   /api/v1/transactions/{id}/refund")
	log.Printf("  GET    /api/v1/transactions/{id}/timeline")
	log.Printf("  GET    /api/v1/transactions/buyer-data")
	log.Printf("  GET    /api/v1/transactions/seller-data")
	log.Printf("  GET    /api/v1/admin/transactions")
	log.Printf("  POST   /api/v1/webhooks/payment")

	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func openStores(cfg *config.Config) (store.TransactionStore, store.EventStore, error) {
	switch cfg.Store.Backend {
	case "dynamodb":
		log.Printf("Connecting to DynamoDB table %s", cfg.Store.Table)
		s, err := dynamo.New(context.Background(), dynamo.Config{
			Region:      cfg.Store.Region,
			Table:       cfg.Store.Table,
			EventsTable: cfg.Store.EventsTable,
			Endpoint:    cfg.Store.Endpoint,
			CreateTable: cfg.Store.CreateTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		log.Printf("Initializing database at %s", cfg.Store.DBPath)
		db, err := repository.InitDB(cfg.Store.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewTransactionRepo(db), repository.NewEventRepo(db), nil
	}
}

func principals(cfg *config.Config) map[string]auth.Principal {
	out := make(map[string]auth.Principal, len(cfg.Principals))
	for token, p := range cfg.Principals {
		out[token] = auth.Principal{Email: p.Email, Role: auth.Role(p.Role)}
	}
	if len(out) == 0 {
		log.Printf("WARNING: no principals configured, all requests will be rejected")
	}
	return out
}
