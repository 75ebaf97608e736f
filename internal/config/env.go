package config

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// loadEnvFile loads a .env file from the working directory if present so
// ${VAR} references in the YAML can resolve against it.
func loadEnvFile() {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return
	}
	if err := godotenv.Load(); err != nil {
		slog.Debug("Could not load .env file", "error", err)
	}
}
