// Command token mints a bearer token for local testing. Sign-in itself is
// handled by the school's identity provider.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"schoolgate/internal/auth"
	"schoolgate/internal/config"
	"schoolgate/internal/domain"
)

func main() {
	cfg := config.Load()

	user := flag.String("user", "", "user id (token subject)")
	role := flag.String("role", "guardian", "guardian, parent, teacher or admin")
	class := flag.String("class", "", "class id, for teachers")
	name := flag.String("name", "", "display name")
	flag.Parse()

	r, ok := domain.ParseRole(*role)
	if *user == "" || !ok {
		flag.Usage()
		os.Exit(2)
	}

	token, exp, err := auth.Issue(domain.Actor{UserID: *user, Role: r, ClassID: *class, Name: *name}, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format("2006-01-02 15:04:05 MST"))
}
