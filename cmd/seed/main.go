// seed appends development sample chains for local testing.
// Idempotent: skips a tenant whose chain already has entries.
package main

import (
	"context"
	"log"

	"compliance-audit-plane/backend/internal/config"
	"compliance-audit-plane/backend/internal/db"
	"compliance-audit-plane/backend/internal/hashchain"
	"compliance-audit-plane/backend/internal/hashchain/domain"
	"compliance-audit-plane/backend/internal/hashchain/repository"
)

const (
	devTenantA = "dev-tenant-alpha"
	devTenantB = "dev-tenant-beta"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	repo := repository.NewPostgresRepository(conn)
	writer := hashchain.NewWriter(repo)
	ctx := context.Background()

	for _, tenantID := range []string{devTenantA, devTenantB} {
		head, err := repo.Head(ctx, tenantID)
		if err != nil {
			log.Fatalf("seed check %s: %v", tenantID, err)
		}
		if head != nil {
			log.Printf("Seed already applied for %s (%d entries). Skipping.", tenantID, head.Seq)
			continue
		}
		for _, req := range sampleChain(tenantID) {
			if _, err := writer.Record(ctx, req); err != nil {
				log.Fatalf("seed %s: %v", tenantID, err)
			}
		}
		log.Printf("Seeded %s with %d entries.", tenantID, len(sampleChain(tenantID)))
	}

	log.Println("Seed completed successfully.")
}

// sampleChain is an invoice lifecycle: created as draft, amended, submitted,
// then the actor logs out. Enough variety to exercise list, get, and verify
// locally.
func sampleChain(tenantID string) []hashchain.CreateAuditEntry {
	return []hashchain.CreateAuditEntry{
		{
			TenantID:   tenantID,
			EntityType: "invoice",
			EntityID:   "inv-1001",
			Action:     domain.ActionCreate,
			NewState:   map[string]any{"amount": 250, "currency": "EUR", "status": "draft"},
			ActorType:  domain.ActorUser,
			ActorID:    "dev-user-001",
			IPAddress:  "127.0.0.1",
			UserAgent:  "seed/1.0",
		},
		{
			TenantID:      tenantID,
			EntityType:    "invoice",
			EntityID:      "inv-1001",
			Action:        domain.ActionUpdate,
			PreviousState: map[string]any{"amount": 250, "currency": "EUR", "status": "draft"},
			NewState:      map[string]any{"amount": 300, "currency": "EUR", "status": "draft"},
			Changes:       map[string]any{"amount": map[string]any{"from": 250, "to": 300}},
			ActorType:     domain.ActorUser,
			ActorID:       "dev-user-001",
			IPAddress:     "127.0.0.1",
			UserAgent:     "seed/1.0",
		},
		{
			TenantID:      tenantID,
			EntityType:    "invoice",
			EntityID:      "inv-1001",
			Action:        domain.ActionSubmit,
			PreviousState: map[string]any{"amount": 300, "currency": "EUR", "status": "draft"},
			NewState:      map[string]any{"amount": 300, "currency": "EUR", "status": "submitted"},
			ActorType:     domain.ActorUser,
			ActorID:       "dev-user-001",
			Metadata:      map[string]any{"submission_channel": "web"},
			IPAddress:     "127.0.0.1",
			UserAgent:     "seed/1.0",
		},
		{
			TenantID:   tenantID,
			EntityType: "session",
			EntityID:   "sess-dev-001",
			Action:     domain.ActionLogout,
			ActorType:  domain.ActorUser,
			ActorID:    "dev-user-001",
			IPAddress:  "127.0.0.1",
			UserAgent:  "seed/1.0",
		},
	}
}
