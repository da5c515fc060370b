package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/jwt"
)

func newKeygenCommand() *cobra.Command {
	var (
		bits        int
		privatePath string
		publicPath  string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key pair for KEY_SOURCE=file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := jwt.GenerateKey(bits)
			if err != nil {
				return err
			}
			for _, p := range []string{privatePath, publicPath} {
				if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
					return err
				}
			}
			if err := jwt.SaveKeyPair(key, privatePath, publicPath); err != nil {
				return err
			}
			kid, err := jwt.KeyID(&key.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kid=%s\nprivate=%s\npublic=%s\n", kid, privatePath, publicPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", jwt.MinKeyBits, "RSA modulus size")
	cmd.Flags().StringVar(&privatePath, "private", "keys/signing.pem", "private key output path")
	cmd.Flags().StringVar(&publicPath, "public", "keys/signing.pub.pem", "public key output path")
	return cmd
}

// newHashSecretCommand prints a bcrypt hash for the client_secret_hash or
// secret_hash fields of a registry file. Without an argument the secret is
// read from stdin.
func newHashSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash a client secret for the registry file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no secret given")
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			hash, err := crypto.HashPassword(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
