package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	genkeyOutDir string
	genkeyBits   int
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate an RSA key pair for bearer-token verification",
	Long: `Generate an RSA key pair and write it as PEM files:
private.pem, PKCS#1 (keep offline, used by whatever issues capability tokens)
and public.pem, PKIX (set as auth.public_key_path in vsstree.yaml).

Example:
  vsstree genkey --out ./keys`,
	RunE: runGenkey,
}

func init() {
	genkeyCmd.Flags().StringVar(&genkeyOutDir, "out", ".", "directory to write private.pem and public.pem into")
	genkeyCmd.Flags().IntVar(&genkeyBits, "bits", 2048, "RSA key size in bits")
	rootCmd.AddCommand(genkeyCmd)
}

func runGenkey(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(genkeyOutDir, 0o700); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, genkeyBits)
	if err != nil {
		return fmt.Errorf("generating RSA key: %w", err)
	}

	privPath := genkeyOutDir + "/private.pem"
	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}
	if err := writePEM(privPath, privBlock, 0o600); err != nil {
		return err
	}

	pubPath := genkeyOutDir + "/public.pem"
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshaling public key: %w", err)
	}
	pubBlock := &pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}
	if err := writePEM(pubPath, pubBlock, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote %s (keep private)\n", privPath)
	fmt.Printf("wrote %s (set as auth.public_key_path)\n", pubPath)
	return nil
}

func writePEM(path string, block *pem.Block, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, block)
}
