package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bizmatters/collab/event-relay/internal/auth"
	"github.com/bizmatters/collab/event-relay/internal/config"
)

// MaxTokenTTL caps tokens minted from the command line
const MaxTokenTTL = 7 * 24 * time.Hour

func main() {
	cfg := config.MustLoad()

	userID := flag.String("user", "", "User ID placed in the token (required)")
	username := flag.String("name", "", "Display name (defaults to the user ID)")
	roles := flag.String("roles", "", "Comma separated roles, e.g. admin")
	ttl := flag.Duration("ttl", cfg.Auth.TokenTTL, "Token lifetime")
	flag.Parse()

	if err := validateInputs(*userID, *ttl); err != nil {
		log.Fatalf("Validation error: %v", err)
	}
	if *username == "" {
		*username = *userID
	}

	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalf("Failed to initialize JWT manager: %v", err)
	}

	token, err := jwtManager.GenerateToken(context.Background(), *userID, *username, parseRoles(*roles), *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}

	fmt.Fprintln(os.Stdout, token)
}

func validateInputs(userID string, ttl time.Duration) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user is required")
	}
	if ttl <= 0 || ttl > MaxTokenTTL {
		return fmt.Errorf("ttl must be between 0 and %s", MaxTokenTTL)
	}
	return nil
}

func parseRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
