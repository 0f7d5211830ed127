package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	vault "github.com/typicallhavok/evidence-vault"
	"github.com/typicallhavok/evidence-vault/pkg/checksum"
	"github.com/typicallhavok/evidence-vault/pkg/container"
	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/logging"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

const usage = `Usage: vaultctl <command> [arguments]
Commands:
  key      -identity <id> -secret <s> [-extra <password>]
  seal     (-key <hex> | -identity <id> -secret <s> [-extra <password>]) <in> <out>
  open     (-key <hex> | -identity <id> -secret <s> [-extra <password>]) <in> <out>
  checksum <file>
  chain    [-data <dir>] <cid>
  export   [-data <dir>] <backup.xz>
  import   [-data <dir>] <backup.xz>
  verify   [-data <dir>]
`

var errUsage = errors.New("invalid arguments")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error { // A
	if len(args) < 1 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "key":
		return cmdKey(rest, out)
	case "seal":
		return cmdSeal(rest, out)
	case "open":
		return cmdOpen(rest, out)
	case "checksum":
		return cmdChecksum(rest, out)
	case "chain", "export", "import", "verify":
		return cmdVault(ctx, cmd, rest, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// keyFlags selects the container key either directly or by derivation.
type keyFlags struct {
	key      string
	identity string
	secret   string
	extra    string
}

func (k *keyFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&k.key, "key", "", "64 hex character key")
	fs.StringVar(&k.identity, "identity", "", "Identity to derive the key from")
	fs.StringVar(&k.secret, "secret", "", "Secret to derive the key from")
	fs.StringVar(&k.extra, "extra", "", "Per-file password, empty if unprotected")
}

func (k *keyFlags) resolve() (keyderive.HexKey, error) {
	if k.key != "" {
		return keyderive.ParseHexKey(k.key)
	}
	if k.identity == "" || k.secret == "" {
		return "", fmt.Errorf("%w: either -key or -identity and -secret are required", errUsage)
	}
	return keyderive.DeriveKey(k.identity, k.secret, k.extra), nil
}

func cmdKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("key", flag.ContinueOnError)
	var kf keyFlags
	kf.register(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	key, err := kf.resolve()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, key)
	return nil
}

func cmdSeal(args []string, out io.Writer) error { // A
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	var kf keyFlags
	kf.register(fs)
	mimeType := fs.String("type", "application/octet-stream", "MIME type stored in the container")
	name := fs.String("name", "", "File name stored in the container, defaults to the input's base name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("%w: seal needs <in> and <out>", errUsage)
	}
	key, err := kf.resolve()
	if err != nil {
		return err
	}

	inPath, outPath := fs.Arg(0), fs.Arg(1)
	info, err := os.Stat(inPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	md := container.Metadata{
		Name:         *name,
		Type:         *mimeType,
		Size:         int64(len(data)),
		LastModified: info.ModTime().UnixMilli(),
	}
	if md.Name == "" {
		md.Name = filepath.Base(inPath)
	}

	blob, err := container.Encode(data, md, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, blob, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(out, "Sealed %s (%d bytes). Checksum: %s\n", md.Name, md.Size, checksum.Sum(data))
	return nil
}

func cmdOpen(args []string, out io.Writer) error { // A
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	var kf keyFlags
	kf.register(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("%w: open needs <in> and <out>", errUsage)
	}
	key, err := kf.resolve()
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	d, err := vault.Reveal(blob, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fs.Arg(1), d.Plaintext, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(out, "Opened %s (%s, %d bytes, modified %s)\n",
		d.Metadata.Name, d.Metadata.Type, d.Metadata.Size,
		time.UnixMilli(d.Metadata.LastModified).UTC().Format(time.RFC3339))
	return nil
}

func cmdChecksum(args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: checksum needs <file>", errUsage)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	sum, err := checksum.SumReader(f)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, sum)
	return nil
}

// cmdVault runs the commands that need an opened data directory.
func cmdVault(ctx context.Context, cmd string, args []string, out io.Writer) error { // A
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	dataDir := fs.String("data", defaultDataDir(), "Vault data directory")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if cmd != "verify" && fs.NArg() < 1 {
		return fmt.Errorf("%w: %s needs an argument", errUsage, cmd)
	}

	v, err := vault.New(vault.Config{
		Paths:         []string{*dataDir},
		Logger:        logging.New(os.Stderr, logging.Options{Level: slog.LevelWarn}),
		StoreLogLevel: slog.LevelError,
	})
	if err != nil {
		return err
	}
	if err := v.Start(ctx); err != nil {
		return err
	}
	defer v.Close(context.Background())

	switch cmd {
	case "chain":
		cid, err := model.ParseContentID(fs.Arg(0))
		if err != nil {
			return err
		}
		versions, err := v.WalkVersionHistory(ctx, cid)
		for i, e := range versions {
			fmt.Fprintf(out, "%3d  %s  %s  %s\n", i, e.ContentID, e.Timestamp.UTC().Format(time.RFC3339), e.Name)
		}
		return err

	case "export":
		f, err := os.Create(fs.Arg(0))
		if err != nil {
			return err
		}
		n, err := v.ExportLedger(ctx, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d records.\n", n)

	case "import":
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := v.ImportLedger(ctx, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Imported %d records.\n", n)

	case "verify":
		n, err := v.VerifyLedger(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Ledger intact, %d records.\n", n)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".evidence-vault", "data")
}
