//go:build ignore

// This script prints the balance of each user id given on the command line
// Run with: go run scripts/check-balances.go -api http://localhost:8080 alice bob

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type balance struct {
	CurrentBalance string `json:"current_balance"`
	HighestBalance string `json:"highest_balance"`
	DailyGains     string `json:"daily_gains"`
	BotActive      bool   `json:"bot_active"`
}

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "API server base URL")
	flag.Parse()

	secret := os.Getenv("REVENUE_AUTH_JWT_SECRET")
	if secret == "" {
		secret = "devSecret123456789012345678901234"
	}

	fmt.Println("=== Revenue Balance Check ===")
	fmt.Printf("API: %s\n\n", *apiURL)

	client := &http.Client{Timeout: 10 * time.Second}
	for _, userID := range flag.Args() {
		bal, err := getBalance(client, *apiURL, secret, userID)
		if err != nil {
			fmt.Printf("✗ %s: Error - %v\n", userID, err)
			continue
		}
		fmt.Printf("✓ %s: balance %s (highest %s), today %s, bot active %t\n",
			userID, bal.CurrentBalance, bal.HighestBalance, bal.DailyGains, bal.BotActive)
	}
}

func getBalance(client *http.Client, apiURL, secret, userID string) (*balance, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(secret))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, apiURL+"/v1/me/balance", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var out balance
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
