// Package main provides the revfs CLI entry point: local repository
// administration only. §1 puts the network protocol, the working-copy
// client, and the HTTP/authz layer out of scope, so this tree covers
// repository bootstrap, inspection, locking, and checksum verification.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/revfs/revfs/pkg/config"
	"github.com/revfs/revfs/pkg/fs"
	"github.com/revfs/revfs/pkg/lock"
	"github.com/revfs/revfs/pkg/noderev"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataDir string
	var logLevel string

	root := &cobra.Command{
		Use:   "revfs",
		Short: "revfs - local administration for a versioned filesystem repository",
		Long: `revfs manages a repository's on-disk store directly: creating one,
inspecting its revisions, taking and releasing path locks, and checking
its representation checksums.

This is a local tool only; it speaks no network protocol and has no
client/server split (see spec §1's scope note).`,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", ".", "repository data directory")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	loadEnv := func() (*config.Config, error) {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(loadEnv),
		newInfoCmd(loadEnv),
		newLockCmd(loadEnv),
		newUnlockCmd(loadEnv),
		newLocksCmd(loadEnv),
		newVerifyCmd(loadEnv),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("revfs v%s\n", version)
		},
	}
}

func newInitCmd(loadEnv func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create a new repository at --data-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return err
			}
			stdr.SetVerbosity(levelToVerbosity(cfg.LogLevel))
			fsys, err := fs.Create(cfg, stdr.New(nil))
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer fsys.Close()

			uuid, err := fsys.UUID(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("initialized repository at %s\n", cfg.DataDir)
			fmt.Printf("  uuid:     %s\n", uuid)
			fmt.Printf("  revision: 0\n")
			return nil
		},
	}
}

func newInfoCmd(loadEnv func() (*config.Config, error)) *cobra.Command {
	var rev uint64
	var path string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "show repository metadata and a directory listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return err
			}
			fsys, err := fs.Open(cfg, stdr.New(nil))
			if err != nil {
				return fmt.Errorf("info: %w", err)
			}
			defer fsys.Close()

			ctx := cmd.Context()
			uuid, err := fsys.UUID(ctx)
			if err != nil {
				return err
			}
			youngest, err := fsys.Youngest(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("rev") {
				rev = youngest
			}

			fmt.Printf("uuid:             %s\n", uuid)
			fmt.Printf("youngest revision: %d\n", youngest)
			fmt.Printf("repo config:      deltify-window=%d branch-layer=%v lock-timeout=%ds\n",
				fsys.Config().DeltifyWindow, fsys.Config().BranchLayerEnabled, fsys.Config().LockDefaultTimeout)
			if size, err := dirSize(cfg.DataDir); err == nil {
				fmt.Printf("on-disk size:     %s\n", humanize.Bytes(size))
			}

			entries, err := fsys.ListDir(ctx, rev, path)
			if err != nil {
				return fmt.Errorf("info: listing %s@%d: %w", path, rev, err)
			}
			fmt.Printf("\n%s@%d:\n", path, rev)
			for _, e := range entries {
				suffix := ""
				if e.Kind == noderev.KindDir {
					suffix = "/"
				}
				fmt.Printf("  %s%s\n", e.Name, suffix)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&rev, "rev", 0, "revision to inspect (default: youngest)")
	cmd.Flags().StringVar(&path, "path", "/", "directory to list")
	return cmd
}

func newLockCmd(loadEnv func() (*config.Config, error)) *cobra.Command {
	var owner, comment string
	var force bool
	var timeout int64
	var dir bool
	cmd := &cobra.Command{
		Use:   "lock <path>",
		Short: "take a path lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return err
			}
			fsys, err := fs.Open(cfg, stdr.New(nil))
			if err != nil {
				return fmt.Errorf("lock: %w", err)
			}
			defer fsys.Close()

			kind := lock.KindFile
			if dir {
				kind = lock.KindDir
			}
			l, err := fsys.Lock(cmd.Context(), args[0], kind, owner, comment, force, timeout, "")
			if err != nil {
				return fmt.Errorf("lock: %w", err)
			}
			fmt.Printf("locked %s\n  token: %s\n", l.Path, l.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", os.Getenv("USER"), "lock owner")
	cmd.Flags().StringVar(&comment, "comment", "", "lock comment")
	cmd.Flags().BoolVar(&force, "force", false, "steal an existing lock")
	cmd.Flags().Int64Var(&timeout, "timeout", 0, "expiry in seconds from now (0 = repository default lock timeout)")
	cmd.Flags().BoolVar(&dir, "dir", false, "lock a directory rather than a file")
	return cmd
}

func newUnlockCmd(loadEnv func() (*config.Config, error)) *cobra.Command {
	var owner string
	var force bool
	cmd := &cobra.Command{
		Use:   "unlock <token>",
		Short: "release a path lock by token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return err
			}
			fsys, err := fs.Open(cfg, stdr.New(nil))
			if err != nil {
				return fmt.Errorf("unlock: %w", err)
			}
			defer fsys.Close()

			if err := fsys.Unlock(cmd.Context(), args[0], owner, force); err != nil {
				return fmt.Errorf("unlock: %w", err)
			}
			fmt.Println("unlocked")
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", os.Getenv("USER"), "must match the lock's owner unless --force")
	cmd.Flags().BoolVar(&force, "force", false, "release regardless of owner")
	return cmd
}

func newLocksCmd(loadEnv func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks <path>",
		Short: "list locks on a path and its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return err
			}
			fsys, err := fs.Open(cfg, stdr.New(nil))
			if err != nil {
				return fmt.Errorf("locks: %w", err)
			}
			defer fsys.Close()

			locks, err := fsys.GetLocks(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("locks: %w", err)
			}
			if len(locks) == 0 {
				fmt.Println("no locks")
				return nil
			}
			for _, l := range locks {
				fmt.Printf("%s  owner=%s  token=%s\n", l.Path, l.Owner, l.Token)
			}
			return nil
		},
	}
	return cmd
}

func newVerifyCmd(loadEnv func() (*config.Config, error)) *cobra.Command {
	var rev uint64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "walk a revision and verify every file's stored MD5 (§8 invariant 5)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEnv()
			if err != nil {
				return err
			}
			fsys, err := fs.Open(cfg, stdr.New(nil))
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			defer fsys.Close()

			ctx := cmd.Context()
			if !cmd.Flags().Changed("rev") {
				rev, err = fsys.Youngest(ctx)
				if err != nil {
					return err
				}
			}

			failures := 0
			checked := 0
			err = fsys.VerifyChecksums(ctx, rev, func(path string, verifyErr error) error {
				checked++
				if verifyErr != nil {
					failures++
					fmt.Printf("FAIL %s: %v\n", path, verifyErr)
					return nil
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			fmt.Printf("checked %d file(s) at revision %d, %d failure(s)\n", checked, rev, failures)
			if failures > 0 {
				return fmt.Errorf("verify: %d checksum failure(s)", failures)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&rev, "rev", 0, "revision to verify (default: youngest)")
	return cmd
}

func levelToVerbosity(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 1
	default:
		return 0
	}
}

func dirSize(root string) (uint64, error) {
	var total uint64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total, err
}
