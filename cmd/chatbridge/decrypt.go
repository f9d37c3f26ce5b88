package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chatbridge/internal/channel"
	"chatbridge/internal/config"
)

func decryptCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "decrypt [ciphertext]",
		Short: "Decrypt a Lark webhook payload for debugging",
		Long: `Decrypts the "encrypt" field of a Lark/Feishu callback body. The input may be
the bare base64 ciphertext or the whole JSON body; it is read from stdin when no
argument is given. The key defaults to channels.lark.encryptKey.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return fmt.Errorf("no --key given and config not loadable: %w", err)
				}
				key = cfg.Channels.Lark.EncryptKey
			}
			if key == "" {
				return errors.New("no encrypt key: pass --key or set channels.lark.encryptKey")
			}

			var input []byte
			if len(args) == 1 && args[0] != "-" {
				input = []byte(args[0])
			} else {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				input = data
			}

			plain, err := decryptPayload(key, input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(plain))
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "encrypt key (default: channels.lark.encryptKey)")
	return cmd
}

// decryptPayload accepts a bare ciphertext or a callback body carrying an
// "encrypt" field and returns the plaintext, indented when it is JSON.
func decryptPayload(key string, input []byte) ([]byte, error) {
	ciphertext := strings.TrimSpace(string(input))
	if strings.HasPrefix(ciphertext, "{") {
		var body struct {
			Encrypt string `json:"encrypt"`
		}
		if err := json.Unmarshal([]byte(ciphertext), &body); err != nil {
			return nil, fmt.Errorf("parse body: %w", err)
		}
		if body.Encrypt == "" {
			return nil, errors.New(`body has no "encrypt" field`)
		}
		ciphertext = body.Encrypt
	}

	plain, err := channel.NewLarkCipher(key).Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if json.Indent(&out, plain, "", "  ") == nil {
		return out.Bytes(), nil
	}
	return plain, nil
}
