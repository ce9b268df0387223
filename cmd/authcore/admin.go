package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/userstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres user-store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		dsn := cfg.Database.URL
		if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
			fmt.Println("DATABASE_URL is not Postgres; nothing to migrate")
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		pg, err := userstore.OpenPostgres(ctx, dsn, cfg.Database.MaxConnections)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := userstore.Migrate(ctx, pg.DB()); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var (
	userActor     string
	userEmail     string
	userUsername  string
	userServiceID string
	userPassword  string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage subjects in the user store",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an active subject",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		// Creating a subject needs no session store.
		cfg.Redis.Enabled = false

		actor := authcore.ActorClass(strings.ToLower(userActor))
		if !actor.Valid() {
			return fmt.Errorf("unknown actor class %q", userActor)
		}
		pw, err := passwordInput(userPassword)
		if err != nil {
			return err
		}

		m, err := authcore.New().WithConfig(cfg).Build()
		if err != nil {
			return err
		}
		defer m.Close()

		ctx := cmd.Context()
		hash, err := m.HashPassword(ctx, pw)
		if err != nil {
			return err
		}
		u := &authcore.User{
			ID:           uuid.NewString(),
			ActorClass:   actor,
			Email:        userEmail,
			Username:     userUsername,
			ServiceID:    userServiceID,
			PasswordHash: hash,
			IsActive:     true,
			TwoFactor:    userstore.NoTwoFactor(),
		}
		if err := m.Users().Create(ctx, u); err != nil {
			return err
		}
		fmt.Println(u.ID)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print an argon2id hash using the configured parameters",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		var arg string
		if len(args) == 1 {
			arg = args[0]
		}
		pw, err := passwordInput(arg)
		if err != nil {
			return err
		}
		h, err := password.New(password.Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
			MinLength:   cfg.Password.MinLength,
		})
		if err != nil {
			return err
		}
		out, err := h.Hash(pw)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the effective security configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		m, err := authcore.New().WithConfig(cfg).WithUserStore(userstore.NewMemory()).Build()
		if err != nil {
			return err
		}
		defer m.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m.SecurityReport())
	},
}

// passwordInput returns arg, or the first line of stdin when arg is empty.
func passwordInput(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("password required: pass it as an argument or on stdin")
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

func init() {
	rootCmd.AddCommand(migrateCmd, userCmd, hashPasswordCmd, reportCmd)
	userCmd.AddCommand(userCreateCmd)

	f := userCreateCmd.Flags()
	f.StringVar(&userActor, "actor", "user", "actor class: user, service or admin")
	f.StringVar(&userEmail, "email", "", "email (required for users)")
	f.StringVar(&userUsername, "username", "", "admin username")
	f.StringVar(&userServiceID, "service-id", "", "customer-service id (required for service agents)")
	f.StringVar(&userPassword, "password", "", "password; read from stdin when omitted")
}
