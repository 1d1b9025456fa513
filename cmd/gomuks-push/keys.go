package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/gomuks/gomuks-push/pkg/pushcrypto"
	"github.com/gomuks/gomuks-push/pkg/pushdata"
)

var keygenCommand = &cli.Command{
	Name:   "keygen",
	Usage:  "Generate a push encryption key and store it in the config",
	Before: prepareApp,
	Action: cmdKeygen,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Replace an existing key",
		},
		&cli.BoolFlag{
			Name:  "print",
			Usage: "Only print the key, don't save it",
		},
	},
}

var encryptCommand = &cli.Command{
	Name:      "encrypt",
	Usage:     "Encrypt a push payload the way the gomuks backend does",
	ArgsUsage: "[FILE]",
	Before:    requiresKey,
	Action:    cmdEncrypt,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "envelope",
			Usage: "Wrap the ciphertext in a {\"data\":{\"payload\":...}} envelope",
		},
	},
}

var decryptCommand = &cli.Command{
	Name:      "decrypt",
	Usage:     "Decrypt and validate a push envelope",
	ArgsUsage: "[FILE]",
	Before:    requiresKey,
	Action:    cmdDecrypt,
}

// readInput reads the file named by the first argument, or stdin.
func readInput(ctx *cli.Context) ([]byte, error) {
	if path := ctx.Args().First(); path != "" && path != "-" {
		return os.ReadFile(path)
	}
	return io.ReadAll(os.Stdin)
}

func cmdKeygen(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if cfg.PushKey() != nil && !ctx.Bool("force") && !ctx.Bool("print") {
		return fmt.Errorf("a push encryption key is already configured, use --force to replace it")
	}
	key, err := pushcrypto.GenerateKey()
	if err != nil {
		return err
	}
	if ctx.Bool("print") {
		fmt.Println(pushcrypto.EncodeKey(key))
		return nil
	}
	cfg.SetPushEncryptionKey(key)
	if err = cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Push encryption key saved to %s\n", cfg.Path)
	fmt.Println(cfg.PushEncryptionKey)
	return nil
}

func cmdEncrypt(ctx *cli.Context) error {
	input, err := readInput(ctx)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	// Validate before encrypting so broken test payloads are caught early.
	if _, err = pushdata.Decode(input); err != nil {
		return err
	}
	box, err := pushcrypto.NewBox(getConfig(ctx).PushKey())
	if err != nil {
		return err
	}
	payload, err := box.Encrypt(input)
	if err != nil {
		return err
	}
	if !ctx.Bool("envelope") {
		fmt.Println(payload)
		return nil
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"data": map[string]string{"payload": payload},
	})
}

func cmdDecrypt(ctx *cli.Context) error {
	input, err := readInput(ctx)
	if err != nil {
		return fmt.Errorf("failed to read envelope: %w", err)
	}
	env, err := pushdata.ParseEnvelope(input)
	if err != nil {
		return err
	}
	plaintext, err := pushcrypto.Decrypt(getConfig(ctx).PushKey(), env.Payload)
	if err != nil {
		return err
	}
	data, err := pushdata.Decode(plaintext)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(plaintext)))
	getLogger(ctx).Info().
		Int("dismiss_count", len(data.Dismiss)).
		Int("message_count", len(data.Messages)).
		Bool("image_auth", data.ImageAuth != nil).
		Msg("Payload is valid")
	return nil
}
