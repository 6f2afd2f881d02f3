// Command token mints a bearer token for one API client.
//
//	JWT_SECRET=... go run ./cmd/token -client grader -ttl 720h
//
// The token is printed to stdout; the server must run with the same secret.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sakif/polyglot-runner/internal/auth"
)

func main() {
	clientID := flag.String("client", "", "client id stored in the token subject (required)")
	ttl := flag.Duration("ttl", auth.DefaultTTL, "token lifetime")
	flag.Parse()

	if *clientID == "" {
		fmt.Fprintln(os.Stderr, "token: -client is required")
		flag.Usage()
		os.Exit(2)
	}
	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "token: -ttl must be positive")
		os.Exit(2)
	}

	tokens, err := auth.NewTokenService(os.Getenv("JWT_SECRET"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
	signed, err := tokens.GenerateWithDuration(*clientID, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}
