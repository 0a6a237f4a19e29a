package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ransomeye/core/pkg/sign"
)

// runKeygenCmd writes <name>.pem and <name>.pub.pem into -dir. The
// private key file is created with 0600.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", ".", "directory to write the keypair into")
	name := fs.String("name", "ransomeye", "base name for the key files")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	key, err := sign.Generate()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	privPEM, err := sign.EncodePrivatePEM(key)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	pubPEM, err := sign.EncodePublicPEM(&key.PublicKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	privPath := filepath.Join(*dir, *name+".pem")
	pubPath := filepath.Join(*dir, *name+".pub.pem")
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "wrote %s and %s\n", privPath, pubPath)
	return 0
}
