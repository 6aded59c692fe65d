//go:build ignore

// This script generates an HS256 bearer token for the API server
// Run with: go run scripts/generate-jwt.go -sub user-1

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	sub := flag.String("sub", "", "User id (token subject)")
	iss := flag.String("iss", "", "Issuer, must match auth.issuer when set")
	aud := flag.String("aud", "", "Audience, must match auth.audience when set")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	secret := os.Getenv("REVENUE_AUTH_JWT_SECRET")
	if secret == "" {
		secret = "devSecret123456789012345678901234"
	}
	if *sub == "" {
		fmt.Fprintln(os.Stderr, "-sub is required")
		os.Exit(1)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   *sub,
		Issuer:    *iss,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	}
	if *aud != "" {
		claims.Audience = jwt.ClaimStrings{*aud}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
