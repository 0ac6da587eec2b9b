// verify scans a tenant's audit chain and reports integrity.
// Exit codes: 0 chain valid, 1 chain invalid, 2 usage or storage error.
// Auditors run it against the production database during GoBD reviews.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"compliance-audit-plane/backend/internal/config"
	"compliance-audit-plane/backend/internal/db"
	"compliance-audit-plane/backend/internal/hashchain"
	"compliance-audit-plane/backend/internal/hashchain/repository"
)

func main() {
	tenantID := flag.String("tenant", "", "Tenant whose chain to verify (required)")
	startSeq := flag.Int64("start", 0, "First sequence to verify (0 = from genesis)")
	endSeq := flag.Int64("end", 0, "Last sequence to verify (0 = through head)")
	stopOnFirst := flag.Bool("stop-on-first-error", false, "Halt at the first mismatch instead of collecting all")
	flag.Parse()

	if *tenantID == "" {
		fmt.Fprintln(os.Stderr, "verify: -tenant is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(2)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db:", err)
		os.Exit(2)
	}
	defer conn.Close()

	verifier := hashchain.NewVerifier(
		repository.NewPostgresRepository(conn),
		hashchain.WithBatchSize(int32(cfg.VerifyBatchSize)),
	)
	result, err := verifier.Verify(context.Background(), *tenantID, hashchain.VerifyOptions{
		StartSeq:         *startSeq,
		EndSeq:           *endSeq,
		StopOnFirstError: *stopOnFirst,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "verify:", err)
		os.Exit(2)
	}

	if result.Valid {
		fmt.Printf("chain valid: tenant=%s entries=%d range=[%d,%d]\n",
			result.TenantID, result.VerifiedEntries, result.StartSeq, result.EndSeq)
		return
	}

	fmt.Printf("chain INVALID: tenant=%s verified=%d/%d first_invalid_seq=%d entry=%s\n",
		result.TenantID, result.VerifiedEntries, result.TotalEntries,
		result.FirstInvalidSeq, result.FirstInvalidEntryID)
	for _, m := range result.Mismatches {
		fmt.Printf("  seq=%d entry=%s kind=%s\n    expected=%s\n    actual=%s\n",
			m.Seq, m.EntryID, m.Kind, m.Expected, m.Actual)
	}
	os.Exit(1)
}
