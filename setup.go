package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

// Password rules enforced at the prompt. The engine itself accepts any
// non-empty string; weaker passwords simply yield weaker keys.
const passwordMinLen = 8

// newSetupCmd configures encryption for a new vault or joins an
// existing one.
func newSetupCmd() *cobra.Command {
	var (
		flagJoin      bool
		flagTokenFile string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Configure end-to-end encryption",
		Long: `Configure end-to-end encryption for cloud sync.

With --join, adopts a vault another device already created: the key
data is downloaded from the remote and the password checked against it.
Otherwise a fresh vault is created and the one-time recovery key printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			engine, local, err := buildEngine(cc)
			if err != nil {
				return err
			}
			defer local.Close()

			tokens, err := loadRawTokens(flagTokenFile)
			if err != nil {
				return err
			}

			password, err := promptPassword(true)
			if err != nil {
				return err
			}

			if flagJoin {
				if err := engine.Join(cmd.Context(), password, tokens); err != nil {
					return err
				}

				statusf("Vault joined. Run 'sessionvault sync' to download your sessions.\n")

				return nil
			}

			recoveryKey, err := engine.Setup(cmd.Context(), password, tokens)
			if err != nil {
				return err
			}

			// Shown exactly once; never persisted anywhere.
			fmt.Fprintf(os.Stdout, "\nRecovery key (write it down, it will not be shown again):\n\n  %s\n\n", recoveryKey)

			return nil
		},
	}

	cmd.Flags().BoolVar(&flagJoin, "join", false, "adopt a vault created on another device")
	cmd.Flags().StringVar(&flagTokenFile, "token-file", "", "JSON file holding the OAuth token from the provider sign-in")

	return cmd
}

// loadRawTokens reads the provider sign-in result. The OAuth user flow
// itself lives in the extension; the agent only consumes its token.
func loadRawTokens(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, errors.New("--token-file is required (sign in through the extension first)")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token file: %w", err)
	}

	if tok.AccessToken == "" {
		return nil, errors.New("token file holds no access token")
	}

	return &tok, nil
}

// promptPassword reads a password from the terminal, confirming it when
// confirm is set. Piped stdin is rejected: passwords do not belong in
// shell history or scripts.
func promptPassword(confirm bool) (string, error) {
	if !stdinIsTerminal() {
		return "", errors.New("password prompt requires a terminal")
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Fprint(os.Stderr, "Password: ")

	password, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password = strings.TrimRight(password, "\r\n")

	if err := checkPasswordRules(password); err != nil {
		return "", err
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")

		again, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("reading confirmation: %w", err)
		}

		if strings.TrimRight(again, "\r\n") != password {
			return "", errors.New("passwords do not match")
		}
	}

	return password, nil
}

// checkPasswordRules enforces the prompt-level rules: min 8 chars,
// mixed case, one digit.
func checkPasswordRules(password string) error {
	if len(password) < passwordMinLen {
		return fmt.Errorf("password must be at least %d characters", passwordMinLen)
	}

	var hasUpper, hasLower, hasDigit bool

	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return errors.New("password must mix upper case, lower case, and a digit")
	}

	return nil
}
