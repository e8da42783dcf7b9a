package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"inferd/internal/common/fsutil"
	"inferd/internal/keys"
	"inferd/internal/secure"
)

func newGenKeysCmd(g *globalFlags) *cobra.Command {
	var force bool
	var bits int
	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "Generate the server RSA key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			enc := cfg.Encryption
			if !force && fsutil.PathExists(enc.PrivateKeyFile) {
				return fmt.Errorf("%s exists; use --force to overwrite", enc.PrivateKeyFile)
			}
			if bits <= 0 {
				bits = enc.KeySize
			}
			if bits < 2048 {
				log.Warn().Int("bits", bits).Msg("rsa key size below 2048 bits is not secure")
			}
			kp, err := secure.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := kp.Save(enc.PrivateKeyFile, enc.PublicKeyFile, enc.PrivateKeyPassword); err != nil {
				return err
			}
			log.Info().Str("private", enc.PrivateKeyFile).Str("public", enc.PublicKeyFile).Int("bits", bits).Msg("key pair written")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing key files")
	cmd.Flags().IntVar(&bits, "bits", 0, "RSA modulus size (default from config)")
	return cmd
}

func newKeysCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newKeysCreateCmd(g), newKeysShowCmd(g), newKeysDeleteCmd(g))
	return cmd
}

func newKeysCreateCmd(g *globalFlags) *cobra.Command {
	var (
		tokens      float64
		daily       bool
		groups      string
		allowedIPs  string
		prioritized string
		expiresIn   time.Duration
		rpm         int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print its record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			store, err := openKeyStore(cmd.Context(), cfg.APIKeys)
			if err != nil {
				return err
			}
			defer store.Close()

			now := time.Now()
			opts := keys.GenerateOptions{
				MinLength:     cfg.APIKeys.MinLength,
				MaxLength:     cfg.APIKeys.MaxLength,
				ResetDaily:    daily,
				AllowedIPs:    splitCSV(allowedIPs),
				Prioritized:   splitCSV(prioritized),
				Groups:        splitCSV(groups),
				DefaultGroups: cfg.APIKeys.DefaultGroups,
			}
			if expiresIn > 0 {
				exp := now.Add(expiresIn).UTC()
				opts.ExpiresAt = &exp
			}
			k, err := keys.Generate(tokens, opts, now)
			if err != nil {
				return err
			}
			k.RateLimitPerMinute = rpm
			if err := store.Save(cmd.Context(), k); err != nil {
				return fmt.Errorf("save key: %w", err)
			}
			return printJSON(cmd, k)
		},
	}
	cmd.Flags().Float64Var(&tokens, "tokens", 0, "initial balance")
	cmd.Flags().BoolVar(&daily, "daily-reset", false, "refill the balance on the first use of each UTC day")
	cmd.Flags().StringVar(&groups, "groups", "", "comma separated groups (default from config)")
	cmd.Flags().StringVar(&allowedIPs, "allowed-ips", "", "comma separated addresses or CIDR ranges")
	cmd.Flags().StringVar(&prioritized, "prioritized", "", "comma separated models served with priority")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "key lifetime, 0 for no expiry")
	cmd.Flags().IntVar(&rpm, "rpm", 0, "requests per minute override")
	return cmd
}

func newKeysShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Print the stored record of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			store, err := openKeyStore(cmd.Context(), cfg.APIKeys)
			if err != nil {
				return err
			}
			defer store.Close()
			k, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, k)
		},
	}
}

func newKeysDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			store, err := openKeyStore(cmd.Context(), cfg.APIKeys)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Delete(cmd.Context(), args[0])
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
