package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"loaner/cmd/internal/passphrase"
	"loaner/crypto"
	"loaner/native/fixedpoint"
	"loaner/services/loanerd/auth"
	"loaner/state"
	"loaner/storage"
)

const (
	defaultPassEnv   = "LOANER_KEYSTORE_PASS"
	defaultSecretEnv = "LOANERD_AUTH_HMAC_SECRET"
	defaultKeystore  = "loaner.keystore"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:], os.Stdout)
	case "address":
		err = runAddress(os.Args[2:], os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "inspect":
		err = runInspect(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: loanerctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen    generate an account key into an encrypted keystore")
	fmt.Fprintln(w, "  address   print the address held by a keystore")
	fmt.Fprintln(w, "  token     issue a bearer token for the keystore's address")
	fmt.Fprintln(w, "  inspect   summarise the snapshot stored in a loanerd data dir")
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	path := fs.String("keystore", defaultKeystore, "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "New keystore passphrase").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveKey(*path, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(out, "address: %s\nkeystore: %s\n", key.PubKey().Address(), *path)
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv, "Keystore passphrase").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadKey(path, pass)
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	path := fs.String("keystore", defaultKeystore, "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	fs.Parse(args)

	key, err := loadKey(*path, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, key.PubKey().Address())
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	path := fs.String("keystore", defaultKeystore, "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the daemon's HMAC secret")
	issuer := fs.String("issuer", "", "Token issuer expected by the daemon")
	audience := fs.String("audience", "", "Token audience expected by the daemon")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(args)

	secret := os.Getenv(*secretEnv)
	if secret == "" {
		return fmt.Errorf("environment variable %s is not set", *secretEnv)
	}
	key, err := loadKey(*path, *passEnv)
	if err != nil {
		return err
	}
	token, err := auth.Issue(auth.Options{Secret: []byte(secret), Issuer: *issuer, Audience: *audience}, key.PubKey().Address(), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

type inspectReport struct {
	Version     uint64        `json:"version"`
	TakenAt     string        `json:"taken_at"`
	Checksum    string        `json:"checksum"`
	Admins      int           `json:"admins"`
	Paused      []string      `json:"paused"`
	Communities int           `json:"communities"`
	Pools       []poolSummary `json:"pools"`
	Loans       int           `json:"loans"`
}

type poolSummary struct {
	Address       crypto.Address `json:"address"`
	TotalLiquid   string         `json:"total_liquid"`
	MarketDeposit string         `json:"market_deposit"`
	Funders       int            `json:"funders"`
}

func runInspect(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "loanerd data directory")
	fs.Parse(args)
	if *dataDir == "" {
		return errors.New("--data-dir is required")
	}
	db, err := storage.NewLevelDB(filepath.Join(*dataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()
	return inspect(db, out)
}

func inspect(db storage.Database, out io.Writer) error {
	st, manifest, err := state.NewStore(db).Load()
	if err != nil {
		return err
	}
	report := inspectReport{
		Version:     manifest.Version,
		TakenAt:     time.Unix(manifest.TakenAt, 0).UTC().Format(time.RFC3339),
		Checksum:    fmt.Sprintf("%x", manifest.Checksum),
		Admins:      len(st.Admins),
		Paused:      st.Paused,
		Communities: len(st.Communities),
		Pools:       make([]poolSummary, 0, len(st.Pools)),
		Loans:       len(st.Loans),
	}
	for _, p := range st.Pools {
		report.Pools = append(report.Pools, poolSummary{
			Address:       p.Address,
			TotalLiquid:   fixedpoint.FormatAmount(p.TotalLiquid),
			MarketDeposit: fixedpoint.FormatAmount(p.MarketDeposit),
			Funders:       len(p.Funders),
		})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
