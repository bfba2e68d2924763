package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/XavierOP877/x402-avalanche--sub001/config"
	"github.com/XavierOP877/x402-avalanche--sub001/node"
	"github.com/XavierOP877/x402-avalanche--sub001/vault"
)

var privateKeyFlag string

var encryptKeyCmd = &cobra.Command{
	Use:   "encrypt-key",
	Short: "Seal a private key with the vault master key",
	Long: `Seal a hex secp256k1 private key with the master key named by
vault.master_key_env. The key is read from --key or, when absent, from the
first line of stdin. The sealed value is printed to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		key := privateKeyFlag
		if key == "" {
			key, err = readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}

		sealed, err := encryptKey(cfg, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	encryptKeyCmd.Flags().StringVar(&privateKeyFlag, "key", "", "hex private key (read from stdin when empty)")
}

func encryptKey(cfg *config.Config, privateKey string) (string, error) {
	master, err := cfg.MasterKey()
	if err != nil {
		return "", err
	}
	defer master.Destroy()

	v, err := vault.New(master)
	if err != nil {
		return "", err
	}
	return node.EncryptPrivateKey(v, privateKey)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no private key given")
	}
	return line, nil
}
