// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	vnc "github.com/tenthirtyam/go-vncserver"
)

// loadConfig reads --config, or the defaults when it is not given.
func loadConfig(cmd *cobra.Command) (vnc.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := vnc.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return vnc.LoadConfig(path)
}

func checkConfigCmd() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if dump {
				cfg.Security.Password = redact(cfg.Security.Password)
				cfg.Security.ViewOnlyPassword = redact(cfg.Security.ViewOnlyPassword)
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print the effective configuration")
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Print the obfuscated form of a password read from stdin",
		Long: `password reads one line from standard input and prints the value to use
for security.obfuscated_password. Only the first 8 characters are significant.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if len(line) > vnc.VNCMaxPasswordLength {
				fmt.Fprintf(os.Stderr, "warning: password truncated to %d characters\n", vnc.VNCMaxPasswordLength)
				line = line[:vnc.VNCMaxPasswordLength]
			}
			out, err := vnc.ObfuscatePassword(line)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	return cmd
}
