package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"meeshy/internal/auth"
	"meeshy/internal/config"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: devtoken <user-id>")
		os.Exit(1)
	}

	cfg, err := config.Load(false)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Token issuing never touches the store.
	as, err := auth.NewAuthService(context.Background(), auth.Config{
		Secret:      cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, nil)
	if err != nil {
		fmt.Printf("Error creating auth service: %v\n", err)
		os.Exit(1)
	}

	token, expires, err := as.IssueToken(os.Args[1])
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Unix(expires, 0).Format(time.RFC3339))
}
