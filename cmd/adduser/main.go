package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"logehuset.org/internal/auth"
	"logehuset.org/internal/config"
	"logehuset.org/internal/lib/sl"
)

func main() {
	email := flag.String("email", "", "email address (required)")
	password := flag.String("password", "", "initial password (required)")
	roles := flag.String("roles", auth.RoleMember, "comma-separated roles")
	flag.Parse()

	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: adduser -email user@example.org -password secret [-roles member,board]")
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("LOGEHUSET_CONFIG"))
	if err != nil {
		log.Error("failed to load config", sl.Err(err))
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Error("failed to open database", sl.Err(err))
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hasher := auth.NewHasher(auth.HasherParams{
		MemoryKiB:   cfg.Argon2.MemoryKiB,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
	})
	hash, err := hasher.Hash(*password)
	if err != nil {
		log.Error("failed to hash password", sl.Err(err))
		os.Exit(1)
	}

	store := auth.NewPGStore(db)
	users := store.Users(ctx)

	user := &auth.User{
		Email:        strings.ToLower(strings.TrimSpace(*email)),
		PasswordHash: hash,
	}
	if err := users.Create(ctx, user); err != nil {
		log.Error("failed to create user", sl.Err(err))
		os.Exit(1)
	}

	assigned := auth.NormalizeRoles(strings.Split(*roles, ","))
	if len(assigned) == 0 {
		assigned = []string{auth.RoleMember}
	}
	for _, role := range assigned {
		if err := users.AssignRole(ctx, user.ID, role); err != nil {
			log.Error("failed to assign role", slog.String("role", role), sl.Err(err))
			os.Exit(1)
		}
	}

	fmt.Printf("created user %d (%s) with roles %s\n", user.ID, user.Email, strings.Join(assigned, ","))
}
