package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vsstree/server/internal/adapter/outbound/rs256"
)

var (
	gentokenKeyPath    string
	gentokenSubject    string
	gentokenIssuer     string
	gentokenExpiry     time.Duration
	gentokenGrants     []string
	gentokenModifyTree bool
)

var gentokenCmd = &cobra.Command{
	Use:   "gentoken",
	Short: "Mint a signed capability token",
	Long: `Mint an RS256-signed capability token for the server to verify at
startup (auth.token_path). Each --permission is a path-pattern=right pair,
where right is r, w or rw and the pattern may contain * segments.

Example:
  vsstree gentoken --key ./keys/private.pem \
    --permission 'Vehicle/*=rw' --modify-tree > operator.token`,
	RunE: runGentoken,
}

func init() {
	gentokenCmd.Flags().StringVar(&gentokenKeyPath, "key", "private.pem", "PEM file holding the RSA private key")
	gentokenCmd.Flags().StringVar(&gentokenSubject, "sub", "operator", "token subject")
	gentokenCmd.Flags().StringVar(&gentokenIssuer, "iss", "vsstree", "token issuer")
	gentokenCmd.Flags().DurationVar(&gentokenExpiry, "expiry", 24*time.Hour, "token lifetime")
	gentokenCmd.Flags().StringArrayVar(&gentokenGrants, "permission", nil, "path-pattern=right grant (repeatable)")
	gentokenCmd.Flags().BoolVar(&gentokenModifyTree, "modify-tree", false, "grant updateMetaData/updateVSSTree")
	rootCmd.AddCommand(gentokenCmd)
}

func runGentoken(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(gentokenKeyPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", gentokenKeyPath, err)
	}
	priv, err := rs256.LoadPrivateKeyPEM(data)
	if err != nil {
		return err
	}

	perms, err := parseGrants(gentokenGrants)
	if err != nil {
		return err
	}

	token, err := rs256.Sign(priv, rs256.Payload{
		Subject:     gentokenSubject,
		Issuer:      gentokenIssuer,
		Expiry:      time.Now().Add(gentokenExpiry).Unix(),
		ModifyTree:  gentokenModifyTree,
		Permissions: perms,
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func parseGrants(grants []string) ([]rs256.Permission, error) {
	perms := make([]rs256.Permission, 0, len(grants))
	for _, g := range grants {
		pattern, right, ok := strings.Cut(g, "=")
		if !ok || pattern == "" {
			return nil, fmt.Errorf("invalid permission %q, want pattern=right", g)
		}
		if right != "r" && right != "w" && right != "rw" {
			return nil, fmt.Errorf("invalid right %q in %q, want r, w or rw", right, g)
		}
		perms = append(perms, rs256.Permission{Pattern: pattern, Right: right})
	}
	return perms, nil
}
