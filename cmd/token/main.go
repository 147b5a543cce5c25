// Command token mints an instructor bearer token signed with JWT_SIGNING_KEY.
//
//	token -sub prof.rao -ttl 8h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"classattend/internal/auth"
	"classattend/internal/config"
)

func main() {
	cfg := config.Load()

	sub := flag.String("sub", "", "instructor identifier (required)")
	ttl := flag.Duration("ttl", cfg.TokenTTL, "token lifetime")
	flag.Parse()

	if *sub == "" {
		flag.Usage()
		os.Exit(2)
	}

	token, exp, err := auth.Issue(*sub, auth.RoleInstructor, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue token:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	fmt.Println(token)
}
