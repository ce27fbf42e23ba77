// apply_patch runs a single SQL file against the database, outside the
// versioned migration flow. Useful for one-off data patches:
//
//	go run migrations/apply_patch.go migrations/patch.sql
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) != 2 {
		fmt.Println("usage: apply_patch <file.sql>")
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Printf("Failed to connect to DB: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqlFile, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Printf("Failed to read sql file: %v\n", err)
		os.Exit(1)
	}

	_, err = pool.Exec(ctx, string(sqlFile))
	if err != nil {
		fmt.Printf("Patch failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Patch applied.")
}
