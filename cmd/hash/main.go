// Package main prints the bcrypt hash of an admin secret for admin.api_secret_hash.
// The server stores only the hash, so this is how an operator-chosen secret is turned
// into configuration. The secret is read from the first argument or, when absent, from
// the first line of stdin so it need not appear in shell history.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sitelicense/license-server/internal/auth"
)

func main() {
	secret := ""
	if len(os.Args) > 1 {
		secret = os.Args[1]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "usage: %s <secret>  (or pipe the secret on stdin)\n", os.Args[0])
			os.Exit(2)
		}
		secret = strings.TrimSpace(line)
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
