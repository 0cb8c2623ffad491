// Command mosaic-tokenctl issues operator bearer tokens and robot simple
// tokens against the same database and master key as mosaic-signaling.
//
//	mosaic-tokenctl master-key
//	mosaic-tokenctl bearer -user u-1 -org org-a [-role ADMIN] [-ttl 1h]
//	mosaic-tokenctl robot -robot-id 3f0c...
//
// The database path and master key default to the MOSAIC_* environment the
// server reads.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/config"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

const usage = `usage: mosaic-tokenctl <command> [flags]

commands:
  master-key   print a fresh base64 master key
  bearer       issue an operator bearer token
  robot        issue a simple token for a SIMPLE_TOKEN robot
`

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "master-key":
		err = runMasterKey(stdout)
	case "bearer":
		err = runBearer(ctx, args[1:], stdout, stderr)
	case "robot":
		err = runRobot(ctx, args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runMasterKey(stdout io.Writer) error {
	key, err := keys.GenerateMasterKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(key))
	return err
}

// storeFlags are the flags shared by the commands that open the key store.
type storeFlags struct {
	databasePath string
	masterKey    config.MasterKeyConfig
}

func (sf *storeFlags) register(fs *flag.FlagSet) error {
	// Only the server's environment is consulted here, never its flags.
	env, err := config.Load(nil)
	if err != nil {
		return err
	}
	sf.masterKey = env.MasterKey
	fs.StringVar(&sf.databasePath, "database-path", env.DatabasePath, "SQLite database holding robots and key pairs (env MOSAIC_DATABASE_PATH)")
	fs.StringVar(&sf.masterKey.Raw, "master-key", env.MasterKey.Raw, "base64 master key (env MOSAIC_MASTER_KEY)")
	return nil
}

func (sf *storeFlags) open(ctx context.Context) (*store.SQLite, *keys.Authority, error) {
	if sf.databasePath == "" || sf.databasePath == config.DefaultDevDatabasePath {
		return nil, nil, errors.New("a persistent -database-path is required")
	}

	var master []byte
	var err error
	switch {
	case strings.TrimSpace(sf.masterKey.Raw) != "":
		master, err = keys.ParseMasterKey(sf.masterKey.Raw)
	case sf.masterKey.UseKMS():
		var client keys.KMSDecrypter
		client, err = keys.NewKMSClient(ctx, sf.masterKey.AWSRegion)
		if err == nil {
			master, err = keys.MasterKeyFromKMS(ctx, client, sf.masterKey.KMSKeyID, sf.masterKey.KMSCiphertext)
		}
	default:
		err = errors.New("a master key is required (-master-key or MOSAIC_MASTER_KEY_KMS_CIPHERTEXT)")
	}
	if err != nil {
		return nil, nil, err
	}

	db, err := store.OpenSQLite(ctx, sf.databasePath)
	if err != nil {
		return nil, nil, err
	}
	a, err := keys.Open(ctx, db, master, keys.Options{})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, a, nil
}

func runBearer(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("bearer", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	if err := sf.register(fs); err != nil {
		return err
	}
	userID := fs.String("user", "", "user id (sub claim)")
	orgID := fs.String("org", "", "organization id")
	role := fs.String("role", keys.RoleUser, "role claim (USER or ADMIN)")
	ttl := fs.Duration("ttl", config.DefaultBearerTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *userID == "" || *orgID == "":
		return errors.New("-user and -org are required")
	case *role != keys.RoleUser && *role != keys.RoleAdmin:
		return fmt.Errorf("invalid -role %q", *role)
	case *ttl <= 0:
		return fmt.Errorf("-ttl must be > 0 (got %s)", *ttl)
	}

	db, a, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	token, err := a.IssueBearerToken(*userID, *orgID, *role, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func runRobot(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("robot", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	if err := sf.register(fs); err != nil {
		return err
	}
	robotID := fs.String("robot-id", "", "robot id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *robotID == "" {
		return errors.New("-robot-id is required")
	}

	db, a, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.LookupRobot(ctx, *robotID)
	if err != nil {
		return fmt.Errorf("robot %s: %w", *robotID, err)
	}
	if rec.AuthType != robot.AuthSimpleToken {
		return fmt.Errorf("robot %s uses %s, not %s", rec.ID, rec.AuthType, robot.AuthSimpleToken)
	}

	token, err := a.IssueRobotToken(rec.ID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
