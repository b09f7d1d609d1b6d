// Command keygen generates and inspects Summit's long-term X25519 identity
// keypair.
package main

import (
	"crypto/sha256"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/quantarax/summit/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - Summit identity key management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen generate [flags]  - Generate (or load) the identity keypair")
	fmt.Println("  keygen show [flags]      - Display public key and fingerprint")
	fmt.Println()
	fmt.Println("Run 'keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	privPath := fs.String("priv-path", "", "Private key path (default: ~/.local/share/summit/keys/id_x25519)")
	force := fs.Bool("force", false, "Overwrite an existing keypair with a freshly generated one")
	fs.Parse(args)

	resolvedPriv, resolvedPub, err := resolvePaths(*privPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve key paths: %v\n", err)
		os.Exit(1)
	}

	if *force {
		os.Remove(resolvedPriv)
		os.Remove(resolvedPub)
	}

	kp, err := identity.LoadOrCreate(resolvedPriv, resolvedPub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate keypair: %v\n", err)
		os.Exit(1)
	}

	printKey(kp.PublicKey, resolvedPriv)
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	privPath := fs.String("priv-path", "", "Private key path (default: ~/.local/share/summit/keys/id_x25519)")
	fs.Parse(args)

	resolvedPriv, resolvedPub, err := resolvePaths(*privPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve key paths: %v\n", err)
		os.Exit(1)
	}

	kp, err := identity.LoadOrCreate(resolvedPriv, resolvedPub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load identity: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'keygen generate' first to create keys")
		os.Exit(1)
	}

	info, statErr := os.Stat(resolvedPriv)
	created := "unknown"
	if statErr == nil {
		created = info.ModTime().Format(time.RFC3339)
	}

	fmt.Println("Identity Public Key:")
	fmt.Printf("  %s\n", base64.StdEncoding.EncodeToString(kp.PublicKey[:]))
	fmt.Println()
	fmt.Println("Fingerprint:")
	fmt.Printf("  %s\n", fingerprint(kp.PublicKey))
	fmt.Println()
	fmt.Println("Key Type: X25519")
	fmt.Printf("Created: %s\n", created)
}

func resolvePaths(privPath string) (string, string, error) {
	if privPath != "" {
		return privPath, privPath + ".pub", nil
	}
	return identity.DefaultPaths()
}

func printKey(pub [32]byte, privPath string) {
	fmt.Println("Identity keypair ready.")
	fmt.Println()
	fmt.Println("Public Key:")
	fmt.Printf("  %s\n", base64.StdEncoding.EncodeToString(pub[:]))
	fmt.Println()
	fmt.Println("Fingerprint:")
	fmt.Printf("  %s\n", fingerprint(pub))
	fmt.Println()
	fmt.Println("Private key stored at:")
	fmt.Printf("  %s\n", privPath)
}

func fingerprint(pub [32]byte) string {
	hash := sha256.Sum256(pub[:])
	return fmt.Sprintf("SHA256:%x", hash[:8])
}
