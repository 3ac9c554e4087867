package main

import (
	"context"
	"log"
	"os"

	"hourledger/casenum"
	"hourledger/db"
	"hourledger/employee"
	"hourledger/ledger"
	"hourledger/recon"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	ledgerRepo := ledger.NewRepository(pool)
	seqRepo := casenum.NewRepository()

	ledgerService := ledger.NewService(pool, ledgerRepo, seqRepo)
	caseNumbers := casenum.NewService(pool, seqRepo)
	reconService := recon.NewService(pool, recon.NewRepository(pool), ledgerRepo)
	employeeService := employee.NewService(employee.NewRepository(pool), os.Getenv("JWT_SECRET"))

	log.Printf("hour-budget ledger ready: ledger=%t casenum=%t recon=%t employee=%t",
		ledgerService != nil, caseNumbers != nil, reconService != nil, employeeService != nil)
}
