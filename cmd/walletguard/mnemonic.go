package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/walletguard/internal/services/keystore"
	"github.com/TheMichaelB/walletguard/internal/wallet"
)

var mnemonicCmd = &cobra.Command{
	Use:   "mnemonic",
	Short: "Manage the PIN-encrypted wallet mnemonic",
}

var (
	mnemonicPin    string
	mnemonicWords  int
	mnemonicShow   bool
	mnemonicYes    bool
	mnemonicNewPin string
)

func init() {
	rootCmd.AddCommand(mnemonicCmd)

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate and store a new BIP-39 mnemonic",
		Example: `  walletguard mnemonic generate --words 24
  walletguard mnemonic generate --show`,
		RunE: runMnemonicGenerate,
	}
	generateCmd.Flags().IntVar(&mnemonicWords, "words", 12, "Word count (12, 15, 18, 21 or 24)")
	generateCmd.Flags().BoolVar(&mnemonicShow, "show", false, "Print the phrase after storing it")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Encrypt and store an existing mnemonic",
		Long:  `Import reads the phrase from a hidden prompt so it never lands in shell history.`,
		RunE:  runMnemonicImport,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Decrypt and print the stored mnemonic",
		RunE:  runMnemonicShow,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a mnemonic is stored and how",
		RunE:  runMnemonicStatus,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Encrypt a mnemonic left in plaintext by an older release",
		RunE:  runMnemonicMigrate,
	}

	changePinCmd := &cobra.Command{
		Use:   "change-pin",
		Short: "Re-encrypt the mnemonic under a new PIN",
		RunE:  runMnemonicChangePin,
	}
	changePinCmd.Flags().StringVar(&mnemonicNewPin, "new-pin", "", "New PIN (will prompt if not provided)")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored mnemonic",
		RunE:  runMnemonicDelete,
	}
	deleteCmd.Flags().BoolVarP(&mnemonicYes, "yes", "y", false, "Do not ask for confirmation")

	for _, c := range []*cobra.Command{generateCmd, importCmd, showCmd, migrateCmd, changePinCmd} {
		c.Flags().StringVar(&mnemonicPin, "pin", "", "PIN (will prompt if not provided)")
	}
	mnemonicCmd.AddCommand(generateCmd, importCmd, showCmd, statusCmd, migrateCmd, changePinCmd, deleteCmd)
}

func runMnemonicGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if has, err := apiClient.Mnemonic.HasMnemonic(ctx); err != nil {
		return err
	} else if has {
		return errors.New("a mnemonic is already stored; delete it first")
	}

	phrase, err := wallet.NewMnemonic(mnemonicWords)
	if err != nil {
		return err
	}

	pin, err := pinFlag(mnemonicPin, "New PIN: ")
	if err != nil {
		return err
	}
	if err := apiClient.Mnemonic.SaveMnemonic(ctx, phrase, pin); err != nil {
		return err
	}

	out := map[string]interface{}{"success": true, "words": mnemonicWords}
	if mnemonicShow {
		out["mnemonic"] = phrase
	}
	emit(out, func() {
		printSuccess("Stored a new %d-word mnemonic", mnemonicWords)
		if mnemonicShow {
			printWarning("Write these words down and keep them offline:")
			fmt.Println(phrase)
		}
	})
	return nil
}

func runMnemonicImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	phrase, err := promptSecret("Mnemonic: ")
	if err != nil {
		return err
	}
	phrase = wallet.Normalize(phrase)
	if err := wallet.Validate(phrase); err != nil {
		return err
	}

	pin, err := pinFlag(mnemonicPin, "New PIN: ")
	if err != nil {
		return err
	}
	if err := apiClient.Mnemonic.SaveMnemonic(ctx, phrase, pin); err != nil {
		return err
	}

	emit(map[string]interface{}{"success": true, "words": wallet.WordCount(phrase)}, func() {
		printSuccess("Imported a %d-word mnemonic", wallet.WordCount(phrase))
	})
	return nil
}

func runMnemonicShow(cmd *cobra.Command, args []string) error {
	pin, err := pinFlag(mnemonicPin, "PIN: ")
	if err != nil {
		return err
	}

	phrase, err := apiClient.Mnemonic.GetMnemonic(cmd.Context(), pin)
	if err != nil {
		return err
	}

	emit(map[string]interface{}{"mnemonic": phrase}, func() {
		fmt.Println(phrase)
	})
	return nil
}

func runMnemonicStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	has, err := apiClient.Mnemonic.HasMnemonic(ctx)
	if err != nil {
		return err
	}
	plaintext := false
	if has {
		if plaintext, err = apiClient.Mnemonic.IsPlaintextMnemonic(ctx); err != nil {
			return err
		}
	}

	emit(map[string]interface{}{"stored": has, "plaintext": plaintext}, func() {
		printField("Stored", has)
		printField("Plaintext", plaintext)
		if plaintext {
			printWarning("Run `walletguard mnemonic migrate` to encrypt it")
		}
	})
	return nil
}

func runMnemonicMigrate(cmd *cobra.Command, args []string) error {
	pin, err := pinFlag(mnemonicPin, "New PIN: ")
	if err != nil {
		return err
	}

	migrated, err := apiClient.Mnemonic.MigratePlaintextMnemonic(cmd.Context(), pin)
	if err != nil {
		return err
	}

	emit(map[string]interface{}{"migrated": migrated}, func() {
		if migrated {
			printSuccess("Mnemonic encrypted")
		} else {
			printInfo("Nothing to migrate")
		}
	})
	return nil
}

func runMnemonicChangePin(cmd *cobra.Command, args []string) error {
	oldPin, err := pinFlag(mnemonicPin, "Current PIN: ")
	if err != nil {
		return err
	}
	newPin := mnemonicNewPin
	if newPin == "" {
		if newPin, err = promptSecret("New PIN: "); err != nil {
			return err
		}
	}
	if strings.TrimSpace(newPin) == "" {
		return keystore.ErrPinRequired
	}

	if err := apiClient.Mnemonic.ChangePin(cmd.Context(), oldPin, newPin); err != nil {
		return err
	}

	emit(map[string]interface{}{"success": true}, func() {
		printSuccess("PIN changed")
	})
	return nil
}

func runMnemonicDelete(cmd *cobra.Command, args []string) error {
	if !confirm("Delete the stored mnemonic? This cannot be undone", mnemonicYes) {
		printInfo("Aborted")
		return nil
	}

	if err := apiClient.Mnemonic.DeleteMnemonic(cmd.Context()); err != nil {
		return err
	}

	emit(map[string]interface{}{"success": true}, func() {
		printSuccess("Mnemonic deleted")
	})
	return nil
}
