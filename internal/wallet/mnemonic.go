// Package wallet generates and validates BIP39 recovery phrases.
package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// Supported phrase lengths and their entropy in bits.
var entropyBits = map[int]int{
	12: 128,
	15: 160,
	18: 192,
	21: 224,
	24: 256,
}

var (
	ErrEmptyMnemonic   = errors.New("mnemonic required")
	ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")
)

// NewMnemonic generates a phrase of the given word count.
func NewMnemonic(words int) (string, error) {
	bits, ok := entropyBits[words]
	if !ok {
		return "", fmt.Errorf("unsupported word count %d", words)
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return mnemonic, nil
}

// Normalize collapses whitespace and lowercases the phrase.
func Normalize(mnemonic string) string {
	return strings.ToLower(strings.Join(strings.Fields(mnemonic), " "))
}

// Validate checks word list membership and checksum.
func Validate(mnemonic string) error {
	mnemonic = Normalize(mnemonic)
	if mnemonic == "" {
		return ErrEmptyMnemonic
	}
	if _, ok := entropyBits[len(strings.Fields(mnemonic))]; !ok {
		return fmt.Errorf("%w: unsupported word count", ErrInvalidMnemonic)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}
	return nil
}

// Seed derives the 64-byte BIP39 seed.
func Seed(mnemonic, passphrase string) ([]byte, error) {
	if err := Validate(mnemonic); err != nil {
		return nil, err
	}
	return bip39.NewSeed(Normalize(mnemonic), passphrase), nil
}

// WordCount returns the number of words in the phrase.
func WordCount(mnemonic string) int {
	return len(strings.Fields(mnemonic))
}
