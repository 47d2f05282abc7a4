// Package main is a deployment utility that generates the two secrets a fresh install
// needs: the admin API secret (printed once, with its bcrypt hash for
// SLS_ADMIN_API_SECRET_HASH) and the Ed25519 seed that signs validation tokens
// (SLS_LICENSING_TOKEN_SIGNING_KEY). The matching public key is printed so it can be
// embedded in the plugin build.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/sitelicense/license-server/internal/auth"
)

func main() {
	secret, hash, err := auth.GenerateSecret()
	if err != nil {
		log.Fatal(err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		log.Fatal(err)
	}
	public := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	fmt.Println("==========================================================")
	fmt.Println("Admin API secret (store it now, it is not recoverable)")
	fmt.Println("==========================================================")
	fmt.Printf("\nSecret: %s\n", secret)
	fmt.Printf("\nSLS_ADMIN_API_SECRET_HASH=%s\n", hash)
	fmt.Println("\n==========================================================")
	fmt.Println("Validation token signing key")
	fmt.Println("==========================================================")
	fmt.Printf("\nSLS_LICENSING_TOKEN_SIGNING_KEY=%s\n", base64.StdEncoding.EncodeToString(seed))
	fmt.Printf("\nPublic key (embed in the plugin): %s\n", base64.StdEncoding.EncodeToString(public))
}
