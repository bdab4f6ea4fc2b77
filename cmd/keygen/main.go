// Command keygen generates the RSA keypair used to seal and open
// short-lived dispatch envelopes: the public key is embedded in the
// proxy process that seals requests, the private key lives only with
// the worker that opens them.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"log"
	"os"
)

const keyBits = 2048

func main() {
	privPath := flag.String("private-out", "proxyfabric.private.pem", "path to write the PKCS#1 RSA private key")
	pubPath := flag.String("public-out", "proxyfabric.public.pem", "path to write the PKIX RSA public key")
	flag.Parse()

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		log.Fatalf("keygen: generate key: %v", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(*privPath, privPEM, 0o600); err != nil {
		log.Fatalf("keygen: write private key: %v", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		log.Fatalf("keygen: marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := os.WriteFile(*pubPath, pubPEM, 0o644); err != nil {
		log.Fatalf("keygen: write public key: %v", err)
	}

	log.Printf("wrote private key to %s", *privPath)
	log.Printf("wrote public key to %s", *pubPath)
	log.Printf("load the private key only into the worker process — it decrypts session keys")
}
