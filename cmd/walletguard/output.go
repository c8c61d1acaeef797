package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	labelColor   = color.New(color.Faint)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warnColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printField(label string, value interface{}) {
	fmt.Printf("  %s %v\n", labelColor.Sprintf("%-18s", label+":"), value)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// emit prints v as JSON or runs the human renderer.
func emit(v interface{}, human func()) {
	if jsonOutput {
		printJSON(v)
		return
	}
	human()
}

// pinFlag returns the --pin value or prompts for it without echo.
func pinFlag(value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	if env := os.Getenv("WALLETGUARD_PIN"); env != "" {
		return env, nil
	}
	return promptSecret(prompt)
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	if len(secret) == 0 {
		return "", errors.New("empty input")
	}
	return string(secret), nil
}

// confirm asks a yes/no question; --yes skips it.
func confirm(prompt string, assumeYes bool) bool {
	if assumeYes {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
