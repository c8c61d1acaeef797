package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/walletguard/internal/services/keystore"
)

var biometricCmd = &cobra.Command{
	Use:   "biometric",
	Short: "Manage the biometric-gated wallet key",
}

var (
	bioPin       string
	bioNewPin    string
	bioUsePin    bool
	bioYes       bool
	bioInputFile string
)

func init() {
	rootCmd.AddCommand(biometricCmd)

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Generate a wallet key and store it behind biometrics and the PIN",
		RunE:  runBiometricEnable,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show which forms of the wallet key are stored",
		RunE:  runBiometricStatus,
	}

	changePinCmd := &cobra.Command{
		Use:   "change-pin",
		Short: "Re-encrypt the PIN envelope of the wallet key",
		RunE:  runBiometricChangePin,
	}
	changePinCmd.Flags().StringVar(&bioNewPin, "new-pin", "", "New PIN (will prompt if not provided)")

	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Delete every stored form of the wallet key",
		RunE:  runBiometricDisable,
	}
	disableCmd.Flags().BoolVarP(&bioYes, "yes", "y", false, "Do not ask for confirmation")

	encryptCmd := &cobra.Command{
		Use:   "encrypt [text]",
		Short: "Encrypt text with the wallet key",
		Example: `  walletguard biometric encrypt "secret note"
  walletguard biometric encrypt --in note.txt --use-pin`,
		Args: cobra.MaximumNArgs(1),
		RunE: runBiometricEncrypt,
	}
	encryptCmd.Flags().StringVar(&bioInputFile, "in", "", "Read plaintext from file (- for stdin)")

	decryptCmd := &cobra.Command{
		Use:   "decrypt <blob>",
		Short: "Decrypt a blob produced by encrypt",
		Args:  cobra.ExactArgs(1),
		RunE:  runBiometricDecrypt,
	}

	for _, c := range []*cobra.Command{enableCmd, changePinCmd, encryptCmd, decryptCmd} {
		c.Flags().StringVar(&bioPin, "pin", "", "PIN (will prompt if not provided)")
	}
	for _, c := range []*cobra.Command{encryptCmd, decryptCmd} {
		c.Flags().BoolVar(&bioUsePin, "use-pin", false, "Unlock with the PIN instead of biometrics")
	}
	biometricCmd.AddCommand(enableCmd, statusCmd, changePinCmd, disableCmd, encryptCmd, decryptCmd)
}

func runBiometricEnable(cmd *cobra.Command, args []string) error {
	pin, err := pinFlag(bioPin, "PIN: ")
	if err != nil {
		return err
	}

	key, err := apiClient.Biometric.GenerateAndSaveBiometricKey(cmd.Context(), pin)
	if err != nil {
		return err
	}
	memguard.WipeBytes(key)

	emit(map[string]interface{}{"success": true}, func() {
		printSuccess("Wallet key generated and stored")
	})
	return nil
}

func runBiometricStatus(cmd *cobra.Command, args []string) error {
	state, err := apiClient.Biometric.Status(cmd.Context())
	if err != nil {
		return err
	}

	emit(map[string]interface{}{"state": state.String()}, func() {
		printField("Wallet key", state)
	})
	return nil
}

func runBiometricChangePin(cmd *cobra.Command, args []string) error {
	oldPin, err := pinFlag(bioPin, "Current PIN: ")
	if err != nil {
		return err
	}
	newPin := bioNewPin
	if newPin == "" {
		if newPin, err = promptSecret("New PIN: "); err != nil {
			return err
		}
	}

	if err := apiClient.Biometric.ChangePinForBiometricKey(cmd.Context(), oldPin, newPin); err != nil {
		return err
	}

	emit(map[string]interface{}{"success": true}, func() {
		printSuccess("Wallet key PIN changed")
	})
	return nil
}

func runBiometricDisable(cmd *cobra.Command, args []string) error {
	if !confirm("Delete the wallet key? Data encrypted with it becomes unreadable", bioYes) {
		printInfo("Aborted")
		return nil
	}

	if err := apiClient.Biometric.DeleteBiometricKey(cmd.Context()); err != nil {
		return err
	}

	emit(map[string]interface{}{"success": true}, func() {
		printSuccess("Wallet key deleted")
	})
	return nil
}

// unlockPin returns the PIN when the command runs in PIN mode.
func unlockPin() (string, error) {
	if !bioUsePin {
		return "", nil
	}
	return pinFlag(bioPin, "PIN: ")
}

// declined explains the PIN fallback when biometrics were refused.
func declined(err error) error {
	if errors.Is(err, keystore.ErrPinRequired) {
		return fmt.Errorf("biometric authentication declined, retry with --use-pin: %w", err)
	}
	return err
}

func runBiometricEncrypt(cmd *cobra.Command, args []string) error {
	var plaintext []byte
	switch {
	case len(args) == 1:
		plaintext = []byte(args[0])
	case bioInputFile == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		plaintext = data
	case bioInputFile != "":
		data, err := os.ReadFile(bioInputFile)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		plaintext = data
	default:
		return errors.New("pass the text as an argument or use --in")
	}
	defer memguard.WipeBytes(plaintext)

	pin, err := unlockPin()
	if err != nil {
		return err
	}

	blob, err := apiClient.Biometric.EncryptWithBiometricKey(cmd.Context(), plaintext, pin, !bioUsePin)
	if err != nil {
		return declined(err)
	}

	emit(map[string]interface{}{"blob": blob}, func() {
		fmt.Println(blob)
	})
	return nil
}

func runBiometricDecrypt(cmd *cobra.Command, args []string) error {
	pin, err := unlockPin()
	if err != nil {
		return err
	}

	plaintext, err := apiClient.Biometric.DecryptWithBiometricKey(cmd.Context(), strings.TrimSpace(args[0]), pin, !bioUsePin)
	if err != nil {
		return declined(err)
	}
	defer memguard.WipeBytes(plaintext)

	emit(map[string]interface{}{"plaintext": string(plaintext)}, func() {
		fmt.Println(string(plaintext))
	})
	return nil
}
