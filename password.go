package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// passwordEnvVar lets scripts and tests supply the master password
// without a terminal.
const passwordEnvVar = "SYNCAGENT_PASSWORD"

// readPassword prompts for the master password. On a terminal the
// input is not echoed; otherwise (pipes, tests) a plain line read is
// used so the command stays scriptable.
func readPassword(prompt string) (string, error) {
	if pw := os.Getenv(passwordEnvVar); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(raw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// readNewPassword prompts twice and verifies both entries match.
func readNewPassword() (string, error) {
	pw, err := readPassword("Master password: ")
	if err != nil {
		return "", err
	}

	if pw == "" {
		return "", fmt.Errorf("password must not be empty")
	}

	// Env-supplied passwords skip the confirmation round.
	if os.Getenv(passwordEnvVar) != "" {
		return pw, nil
	}

	again, err := readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}

	if pw != again {
		return "", fmt.Errorf("passwords do not match")
	}

	return pw, nil
}
