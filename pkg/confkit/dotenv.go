package confkit

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce applies a .env file to the process environment exactly
// once, so every config loader sees the same variables regardless of load
// order. NO_DOTENV=1 skips the lookup entirely, ENV_FILE points it at a
// specific file and DOTENV_OVERLOAD=1 lets .env values win over variables
// the environment already carries.
func LoadDotenvOnce() {
	dotenvOnce.Do(applyDotenv)
}

func applyDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}

	apply := godotenv.Load
	if os.Getenv("DOTENV_OVERLOAD") == "1" {
		apply = godotenv.Overload
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		_ = apply(envFile)
		return
	}

	// Try .env at every level between this package and the repo root so
	// `go run ./cmd/...` and `go test ./...` pick up the same file.
	if start, ok := sourceDir(); ok {
		climb(start, func(dir string) bool {
			_ = apply(filepath.Join(dir, ".env"))
			return isProjectRoot(dir)
		})
		return
	}

	_ = apply(".env")
}
