// Command keyenc seals a hub private key into the encrypted file format the
// bridge reads from hub.encrypted_key_path.
//
//	echo "$HUB_KEY" | BRIDGE_HUB_KEY_PASSWORD=... keyenc -out hub.key.json
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sbfxfxai/tiltvault-bridge/internal/crypto"
)

func main() {
	out := flag.String("out", "hub.key.json", "path of the sealed key file to write")
	passwordEnv := flag.String("password-env", "BRIDGE_HUB_KEY_PASSWORD", "environment variable holding the password")
	flag.Parse()

	if err := run(*out, os.Getenv(*passwordEnv)); err != nil {
		fmt.Fprintf(os.Stderr, "keyenc: %v\n", err)
		os.Exit(1)
	}
}

func run(out, password string) error {
	if password == "" {
		return fmt.Errorf("password is empty; set the password environment variable")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read private key from stdin: %w", err)
	}

	sealed, err := crypto.SealKey(strings.TrimSpace(line), password)
	if err != nil {
		return err
	}

	// The key is already checked by SealKey; a round trip confirms the file
	// opens with this password before anything is written.
	pk, err := crypto.OpenKey(sealed, password)
	if err != nil {
		return fmt.Errorf("verify sealed key: %w", err)
	}
	signer := crypto.NewSigner(pk)

	if err := os.WriteFile(out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("sealed key for %s written to %s\n", signer.Address().Hex(), out)
	return nil
}
