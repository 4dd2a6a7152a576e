package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"logehuset.org/internal/lib/sl"
	"logehuset.org/internal/migrate"
)

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", "migrations", "directory with .up.sql/.down.sql files")
	dsn := flag.String("dsn", os.Getenv("LOGEHUSET_PG_DSN"), "postgres dsn")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Error("failed to open database", sl.Err(err))
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	mgr := migrate.NewManager(db, *dir)

	switch cmd {
	case "up":
		if err := mgr.Up(ctx); err != nil {
			log.Error("migrate up failed", sl.Err(err))
			os.Exit(1)
		}
		log.Info("migrations applied")
	case "down":
		if err := mgr.Down(ctx); err != nil {
			log.Error("migrate down failed", sl.Err(err))
			os.Exit(1)
		}
		log.Info("last migration rolled back")
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			log.Error("migrate status failed", sl.Err(err))
			os.Exit(1)
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return
		}
		for _, name := range applied {
			fmt.Println(name)
		}
	default:
		fmt.Fprintf(os.Stderr, "usage: migrate [-dir migrations] [-dsn dsn] up|down|status\n")
		os.Exit(2)
	}
}
