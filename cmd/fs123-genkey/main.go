// Command fs123-genkey generates a new <sid>.sharedkey file for a
// fs123 secret-store directory and, optionally, repoints the
// <name>.keyid pointer file at it. There is no equivalent tool in the
// retrieved original source; this is a supplemented convenience (see
// SPEC_FULL.md §4) modeled on rclone's backend/crypt "obscure"/keygen
// helpers, which likewise turn random or passphrase-derived material
// into a hex-encoded secret file.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/scrypt"

	"github.com/DEShawResearch/fs123-sub001/internal/secret"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dir        string
		sid        string
		keyidName  string
		setCurrent bool
		length     int
		passphrase string
	)
	cmd := &cobra.Command{
		Use:   "fs123-genkey",
		Short: "Generate a new fs123 shared-key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !secret.ValidSid(sid) {
				return fmt.Errorf("fs123-genkey: %q is not a legal sid", sid)
			}
			if length < secret.MinSecretLen {
				return fmt.Errorf("fs123-genkey: --length must be at least %d", secret.MinSecretLen)
			}

			key, err := makeKey(length, passphrase, sid)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("fs123-genkey: creating %s: %w", dir, err)
			}
			keyPath := filepath.Join(dir, sid+".sharedkey")
			if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
				return fmt.Errorf("fs123-genkey: writing %s: %w", keyPath, err)
			}
			fmt.Println(keyPath)

			if setCurrent {
				keyidPath := filepath.Join(dir, keyidName+".keyid")
				if err := os.WriteFile(keyidPath, []byte(sid+"\n"), 0o644); err != nil {
					return fmt.Errorf("fs123-genkey: writing %s: %w", keyidPath, err)
				}
				fmt.Println(keyidPath)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "sharedkeydir", ".", "directory to write the new <sid>.sharedkey file into")
	f.StringVar(&sid, "sid", "", "secret id to create (required)")
	f.StringVar(&keyidName, "encoding-keyid-file", "encoding", "base name of the .keyid pointer file")
	f.BoolVar(&setCurrent, "set-current", false, "also repoint the .keyid pointer file at the new sid")
	f.IntVar(&length, "length", secret.MinDerivedNonceSecretLen, "secret length in bytes (>= 32, >= 48 to support derived-nonce mode)")
	f.StringVar(&passphrase, "passphrase", "", "derive the key from a passphrase instead of the CSPRNG (scrypt, salted with the sid)")
	cmd.MarkFlagRequired("sid")
	return cmd
}

// makeKey returns either CSPRNG-random bytes or, when passphrase is
// non-empty, an scrypt-derived key salted with sid so that the same
// passphrase never produces the same bytes for two different sids.
func makeKey(length int, passphrase, sid string) ([]byte, error) {
	if passphrase == "" {
		key := make([]byte, length)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("fs123-genkey: reading random bytes: %w", err)
		}
		return key, nil
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(sid), 1<<15, 8, 1, length)
	if err != nil {
		return nil, fmt.Errorf("fs123-genkey: deriving key: %w", err)
	}
	return key, nil
}
