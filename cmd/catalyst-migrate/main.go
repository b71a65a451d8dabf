package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/catalyst-gg/catalyst/pkg/storage"
)

var (
	databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (defaults to DATABASE_URL)")
	dryRun      = flag.Bool("dry-run", false, "Print the statements without applying them")
	timeoutSec  = flag.Int("timeout-sec", 60, "Overall timeout in seconds")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Catalyst Schema Migration Tool")
	log.Println("==============================")

	if *databaseURL == "" {
		log.Fatal("No database URL. Set DATABASE_URL or pass --database-url.")
	}

	statements := splitStatements(storage.Schema)
	log.Printf("Statements: %d", len(statements))
	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		for i, stmt := range statements {
			fmt.Printf("\n-- [%d/%d]\n%s;\n", i+1, len(statements), stmt)
		}
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to apply the schema.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(context.Background())
	log.Println("✓ Connected")

	if err := apply(ctx, conn, statements); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("\n✓ Schema applied successfully!")
	log.Println("Every statement is idempotent; re-running this tool is safe.")
}

// apply runs all statements in one transaction so a failure leaves the
// database untouched.
func apply(ctx context.Context, conn *pgx.Conn, statements []string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.Background())

	for i, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
		log.Printf("✓ [%d/%d] %s", i+1, len(statements), firstLine(stmt))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// splitStatements breaks the schema into single statements. The DDL
// contains no semicolons inside literals, so a plain split is enough.
func splitStatements(schema string) []string {
	var statements []string
	for _, chunk := range strings.Split(schema, ";") {
		stmt := strings.TrimSpace(chunk)
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return strings.TrimSpace(stmt[:i])
	}
	return stmt
}
