// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed reads secret files encrypted with age, so webhook
// secrets and API tokens need not sit on disk in plaintext. Both the
// binary and the ASCII-armored age formats are accepted.
package sealed

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Keypair is an age X25519 keypair in its string encodings.
type Keypair struct {
	PrivateKey string // AGE-SECRET-KEY-1...
	PublicKey  string // age1...
}

// GenerateKeypair generates a new X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	return &Keypair{
		PrivateKey: identity.String(),
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// LoadIdentities parses an age identity file: one AGE-SECRET-KEY-1 per
// line, with "#" comments and blank lines ignored.
func LoadIdentities(path string) ([]age.Identity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer file.Close()
	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	return identities, nil
}

// Encrypt encrypts plaintext to the given age1 recipients and returns
// the armored ciphertext.
func Encrypt(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var buffer bytes.Buffer
	armored := armor.NewWriter(&buffer)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return buffer.Bytes(), nil
}

// Decrypt decrypts an armored or binary age ciphertext with any of the
// given identities.
func Decrypt(ciphertext []byte, identities ...age.Identity) ([]byte, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("no age identities configured")
	}
	reader := bufio.NewReader(bytes.NewReader(ciphertext))
	var source io.Reader = reader
	if start, _ := reader.Peek(len(armor.Header)); string(start) == armor.Header {
		source = armor.NewReader(reader)
	}
	plaintext, err := age.Decrypt(source, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	data, err := io.ReadAll(plaintext)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return data, nil
}

// ReadFile decrypts the age file at path with the identities in
// identityFile.
func ReadFile(path, identityFile string) ([]byte, error) {
	identities, err := LoadIdentities(identityFile)
	if err != nil {
		return nil, err
	}
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := Decrypt(ciphertext, identities...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plaintext, nil
}
