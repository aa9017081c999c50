// Package main generates the key material the authorization server needs.
package main

import (
	"crypto/elliptic"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tendant/oauth2-engine/internal/crypto"
)

func main() {
	alg := flag.String("alg", "ES256", "Signing algorithm: ES256 or RS256")
	bits := flag.Int("bits", 2048, "RSA key size")
	out := flag.String("out", "", "Directory to write private.pem and public.pem to; prints to stdout when empty")
	flag.Parse()

	var (
		kp  *crypto.KeyPair
		err error
	)
	switch *alg {
	case "ES256":
		kp, err = crypto.GenerateECKeyPair(elliptic.P256())
	case "RS256":
		kp, err = crypto.GenerateKeyPair(*bits)
	default:
		log.Fatalf("Unsupported algorithm %q", *alg)
	}
	if err != nil {
		log.Fatalf("Failed to generate key pair: %v", err)
	}

	private, err := crypto.EncodePrivateKeyPEM(kp)
	if err != nil {
		log.Fatalf("Failed to encode private key: %v", err)
	}
	public, err := crypto.EncodePublicKeyPEM(kp)
	if err != nil {
		log.Fatalf("Failed to encode public key: %v", err)
	}

	key, err := crypto.GenerateEncryptionKey()
	if err != nil {
		log.Fatalf("Failed to generate encryption key: %v", err)
	}
	encryptionKey := base64.StdEncoding.EncodeToString(key)

	secret, err := crypto.GenerateEncryptionKey()
	if err != nil {
		log.Fatalf("Failed to generate CSRF secret: %v", err)
	}
	csrfSecret := base64.RawURLEncoding.EncodeToString(secret)

	if *out == "" {
		fmt.Print(string(private))
		fmt.Print(string(public))
		fmt.Printf("AUTH_ENCRYPTION_KEY=%s\n", encryptionKey)
		fmt.Printf("AUTH_CSRF_SECRET=%s\n", csrfSecret)
		return
	}

	if err := os.MkdirAll(*out, 0700); err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	privatePath := filepath.Join(*out, "private.pem")
	if err := os.WriteFile(privatePath, private, 0600); err != nil {
		log.Fatalf("Failed to write private key: %v", err)
	}
	if err := os.WriteFile(filepath.Join(*out, "public.pem"), public, 0644); err != nil {
		log.Fatalf("Failed to write public key: %v", err)
	}

	fmt.Printf("Key ID: %s\n", kp.Kid)
	fmt.Printf("AUTH_PRIVATE_KEY=%s\n", privatePath)
	fmt.Printf("AUTH_ENCRYPTION_KEY=%s\n", encryptionKey)
	fmt.Printf("AUTH_CSRF_SECRET=%s\n", csrfSecret)
}
