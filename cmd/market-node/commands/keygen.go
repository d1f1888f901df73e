package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bidmesh.com/internal/protocol"
	"github.com/spf13/cobra"
)

// NewKeygenCmd creates a signing key. The private key goes to --out when
// given, otherwise to stdout.
func NewKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a new identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return keygen(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the private key to")
	return cmd
}

func keygen(w io.Writer, out string) error {
	if out != "" {
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("a key already lives at %s", out)
		}
	}
	key, err := protocol.GenerateKeySigner()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if out == "" {
		fmt.Fprintf(w, "private: %s\n", key.PrivateHex())
	} else {
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
		if err := os.WriteFile(out, []byte(key.PrivateHex()), 0o600); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
		fmt.Fprintf(w, "private key saved to %s\n", out)
	}
	fmt.Fprintf(w, "identity: %s\n", key.Identity())
	return nil
}
