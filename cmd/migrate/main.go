package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"go-estate-market/internal/database"
	"go-estate-market/internal/logger"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	direction := database.DirectionUp
	if len(os.Args) > 1 {
		direction = strings.ToLower(os.Args[1])
	}
	if direction != database.DirectionUp && direction != database.DirectionDown {
		fmt.Fprintf(os.Stderr, "usage: %s [up|down]\n", os.Args[0])
		os.Exit(2)
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	if err := database.RunMigrations(databaseURL, direction); err != nil {
		slog.Error("migration failed", "direction", direction, "error", err)
		os.Exit(1)
	}
}
