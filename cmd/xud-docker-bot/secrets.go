// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/exchangeunion/xud-docker-bot/lib/sealed"
)

// maxSecretSize bounds what seal reads from stdin.
const maxSecretSize = 1 << 20

// runKeygen writes a new age identity file to stdout, suitable for
// secrets.identity_file. The recipient is echoed on stderr for seal.
func runKeygen(stdout, stderr io.Writer) error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(stdout, "# public key: %s\n%s\n", keypair.PublicKey, keypair.PrivateKey); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "Public key: %s\n", keypair.PublicKey)
	return nil
}

// runSeal encrypts stdin to the given recipients and writes the
// armored result to stdout. Store it under a name ending in ".age".
func runSeal(args []string, stdin io.Reader, stdout io.Writer) error {
	var recipients []string
	flags := pflag.NewFlagSet("xud-docker-bot seal", pflag.ContinueOnError)
	flags.StringSliceVarP(&recipients, "recipient", "r", nil, "age1 recipient, repeatable")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("seal: unexpected arguments %q", flags.Args())
	}

	plaintext, err := io.ReadAll(io.LimitReader(stdin, maxSecretSize+1))
	if err != nil {
		return fmt.Errorf("seal: reading secret: %w", err)
	}
	if len(plaintext) > maxSecretSize {
		return fmt.Errorf("seal: secret exceeds %d bytes", maxSecretSize)
	}
	if len(plaintext) == 0 {
		return errors.New("seal: empty secret on stdin")
	}
	ciphertext, err := sealed.Encrypt(plaintext, recipients)
	if err != nil {
		return err
	}
	_, err = stdout.Write(ciphertext)
	return err
}
