// Copyright (c) 2025 Justin Cranford

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"license-agent/internal/apperr"
)

// requireTOTP prompts for and verifies a TOTP code against the secret at
// secretPath before a destructive command proceeds. An empty secretPath (the
// operator has not provisioned CLI TOTP gating) is a no-op.
func requireTOTP(secretPath string, in *bufio.Reader, out *os.File) error {
	if secretPath == "" {
		return nil
	}

	raw, err := os.ReadFile(secretPath)
	if err != nil {
		return apperr.NewConfigError("failed to read CLI TOTP secret", err)
	}
	secret := strings.TrimSpace(string(raw))

	fmt.Fprint(out, "TOTP code: ")
	line, err := in.ReadString('\n')
	if err != nil {
		return apperr.NewIpcError("failed to read TOTP code", err)
	}
	code := strings.TrimSpace(line)

	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: 0, // default SHA1, matching totp.GenerateCode's default
	})
	if err != nil || !valid {
		return apperr.NewIpcError("TOTP verification failed", nil)
	}
	return nil
}
