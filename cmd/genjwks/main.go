package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"atoauth/internal/atproto/dpop"
)

// genjwks generates an ES256 keypair for private_key_jwt client
// authentication. The private key goes into ATPROTO_ASSERTION_JWK; the public
// half is derived at startup and served at /oauth/jwks.json.
//
// Usage:
//
//	go run ./cmd/genjwks [--save]
func main() {
	keys, err := dpop.NewKeyManager()
	if err != nil {
		log.Fatalf("Failed to generate keypair: %v", err)
	}

	raw, err := keys.ExportPrivate()
	if err != nil {
		log.Fatalf("Failed to export key: %v", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		log.Fatalf("Failed to parse exported key: %v", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal key: %v", err)
	}

	fmt.Println("Generated ES256 keypair, kid " + keys.KeyID())
	fmt.Println("\nAdd this to your environment:")
	fmt.Println("\nATPROTO_ASSERTION_JWK='" + string(out) + "'")
	fmt.Println("\nKeep the private key secret and out of version control.")

	if len(os.Args) > 1 && os.Args[1] == "--save" {
		filename := "assertion-key.json"
		if err := os.WriteFile(filename, out, 0600); err != nil {
			log.Fatalf("Failed to write key file: %v", err)
		}
		fmt.Printf("\nPrivate key saved to %s\n", filename)
	}
}
