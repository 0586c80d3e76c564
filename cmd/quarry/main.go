// Package main implements the quarry command line tool. It opens a store
// from a declared schema file, reconciles its structure, and runs data
// and backup operations against it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quarrydb/quarry/internal/app"
	"github.com/quarrydb/quarry/internal/config"
	"github.com/quarrydb/quarry/pkg/store"
	"github.com/quarrydb/quarry/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Quarry - Declarative Versioned Key-Value Store\n\n")
	fmt.Fprintf(os.Stderr, "Usage: quarry <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  open        Open the store and reconcile its structure\n")
	fmt.Fprintf(os.Stderr, "  get         Read a record by primary key or index key\n")
	fmt.Fprintf(os.Stderr, "  list        List records, optionally filtered by index key\n")
	fmt.Fprintf(os.Stderr, "  count       Count records in a collection\n")
	fmt.Fprintf(os.Stderr, "  put         Upsert a record\n")
	fmt.Fprintf(os.Stderr, "  add         Insert a record, failing on duplicate key\n")
	fmt.Fprintf(os.Stderr, "  update      Merge fields into an existing record\n")
	fmt.Fprintf(os.Stderr, "  delete      Delete a record by primary key or index key\n")
	fmt.Fprintf(os.Stderr, "  clear       Remove every record in a collection\n")
	fmt.Fprintf(os.Stderr, "  destroy     Remove the store entirely\n")
	fmt.Fprintf(os.Stderr, "  backup      Snapshot the store into backup storage\n")
	fmt.Fprintf(os.Stderr, "  restore     Restore the store from a snapshot\n")
	fmt.Fprintf(os.Stderr, "  backups     List snapshots of the store\n")
	fmt.Fprintf(os.Stderr, "  prune       Delete all but the newest snapshots\n")
	fmt.Fprintf(os.Stderr, "  version     Show version information\n")
	fmt.Fprintf(os.Stderr, "\nCommon options:\n")
	fmt.Fprintf(os.Stderr, "  -config <file>   Configuration file (YAML or JSON)\n")
	fmt.Fprintf(os.Stderr, "  -schema <file>   Declared schema file (YAML or JSON)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  quarry open -schema schema.yaml\n")
	fmt.Fprintf(os.Stderr, "  quarry get -schema schema.yaml -collection users -key '[\"u1\"]'\n")
	fmt.Fprintf(os.Stderr, "  quarry put -schema schema.yaml -collection users -record '{\"id\":\"u1\",\"email\":\"a@b.c\"}'\n")
	fmt.Fprintf(os.Stderr, "  quarry delete -schema schema.yaml -collection users -index by_email -key '[\"a@b.c\"]'\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version":
		fmt.Printf("quarry version %s (commit: %s)\n", version, commit)
		return
	case "help", "-h", "--help":
		usage()
		return
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "quarry %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// cmdFlags holds the flags shared by every store-facing command.
type cmdFlags struct {
	fs         *flag.FlagSet
	configFile string
	schemaFile string
	collection string
	index      string
	key        string
	record     string
	object     string
	keep       int
}

func newCmdFlags(cmd string) *cmdFlags {
	f := &cmdFlags{fs: flag.NewFlagSet("quarry "+cmd, flag.ExitOnError)}
	f.fs.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	f.fs.StringVar(&f.schemaFile, "schema", "", "Path to declared schema file (YAML or JSON)")
	f.fs.StringVar(&f.collection, "collection", "", "Collection name")
	f.fs.StringVar(&f.index, "index", "", "Index name (resolve the key through this index)")
	f.fs.StringVar(&f.key, "key", "", "Key as a JSON array, e.g. '[\"u1\"]' or '[2024,\"q1\"]'")
	f.fs.StringVar(&f.record, "record", "", "Record as a JSON object ('-' reads stdin)")
	f.fs.StringVar(&f.object, "object", "", "Backup object path (restore: empty means latest)")
	f.fs.IntVar(&f.keep, "keep", 0, "Snapshots to retain when pruning (0 uses config)")
	return f
}

func run(cmd string, args []string) error {
	f := newCmdFlags(cmd)
	if err := f.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(f.configFile)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()

	switch cmd {
	case "backup", "restore", "backups", "prune":
		return runBackup(ctx, a, cfg, cmd, f)
	}

	schema, err := loadSchema(f.schemaFile)
	if err != nil {
		return err
	}

	if cmd == "destroy" {
		st, err := store.New(a.Engine(), schema, store.WithLogger(a.Logger()))
		if err != nil {
			return err
		}
		if err := st.Destroy(ctx); err != nil {
			return err
		}
		fmt.Printf("store %s destroyed\n", schema.Name)
		return nil
	}

	st, err := a.OpenStore(ctx, schema)
	if err != nil {
		return err
	}
	return runStoreCmd(ctx, st, cmd, f)
}

func runStoreCmd(ctx context.Context, st *store.Store, cmd string, f *cmdFlags) error {
	switch cmd {
	case "open":
		fmt.Printf("store %s open at version %d\n", st.Schema().Name, st.Schema().Version)
		return nil

	case "get":
		key, err := parseKey(f.key)
		if err != nil {
			return err
		}
		var rec types.Record
		if f.index != "" {
			rec, err = st.GetByIndex(ctx, f.collection, f.index, key)
		} else {
			rec, err = st.Get(ctx, f.collection, key)
		}
		if err != nil {
			return err
		}
		return printJSON(rec)

	case "list":
		var (
			recs []types.Record
			err  error
		)
		if f.index != "" && f.key != "" {
			key, kerr := parseKey(f.key)
			if kerr != nil {
				return kerr
			}
			recs, err = st.GetAllByIndex(ctx, f.collection, f.index, key)
		} else {
			recs, err = st.GetAll(ctx, f.collection)
		}
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := printJSON(rec); err != nil {
				return err
			}
		}
		return nil

	case "count":
		n, err := st.Count(ctx, f.collection)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil

	case "put":
		rec, err := parseRecord(f.record)
		if err != nil {
			return err
		}
		var key []any
		if f.index != "" {
			key, err = st.PutByIndex(ctx, f.collection, f.index, rec)
		} else {
			key, err = st.Put(ctx, f.collection, rec)
		}
		if err != nil {
			return err
		}
		return printJSON(key)

	case "add":
		rec, err := parseRecord(f.record)
		if err != nil {
			return err
		}
		key, err := st.Add(ctx, f.collection, rec)
		if err != nil {
			return err
		}
		return printJSON(key)

	case "update":
		key, err := parseKey(f.key)
		if err != nil {
			return err
		}
		partial, err := parseRecord(f.record)
		if err != nil {
			return err
		}
		merged, err := st.IncrementalUpdate(ctx, f.collection, key, partial)
		if err != nil {
			return err
		}
		return printJSON(merged)

	case "delete":
		key, err := parseKey(f.key)
		if err != nil {
			return err
		}
		if f.index != "" {
			return st.DeleteByIndex(ctx, f.collection, f.index, key)
		}
		return st.Delete(ctx, f.collection, key)

	case "clear":
		return st.Clear(ctx, f.collection)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runBackup(ctx context.Context, a *app.App, cfg *config.Config, cmd string, f *cmdFlags) error {
	schema, err := loadSchema(f.schemaFile)
	if err != nil {
		return err
	}
	mgr := a.Backup()

	// The engine only reveals a store's backing file through an open
	// connection, so both copy directions briefly open the store.
	storeLocation := func() (string, error) {
		st, err := a.OpenStore(ctx, schema)
		if err != nil {
			return "", err
		}
		location := st.Location()
		if err := st.Close(); err != nil {
			return "", err
		}
		return location, nil
	}

	switch cmd {
	case "backup":
		location, err := storeLocation()
		if err != nil {
			return err
		}
		object, err := mgr.Backup(ctx, schema.Name, location)
		if err != nil {
			return err
		}
		fmt.Println(object)
		return nil

	case "restore":
		location, err := storeLocation()
		if err != nil {
			return err
		}
		if err := mgr.Restore(ctx, schema.Name, f.object, location); err != nil {
			return err
		}
		fmt.Printf("store %s restored\n", schema.Name)
		return nil

	case "backups":
		objects, err := mgr.List(ctx, schema.Name)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			fmt.Println(obj)
		}
		return nil

	case "prune":
		keep := f.keep
		if keep <= 0 {
			keep = cfg.Backup.Keep
		}
		pruned, err := mgr.Prune(ctx, schema.Name, keep)
		if err != nil {
			return err
		}
		fmt.Printf("%d snapshot(s) pruned\n", pruned)
		return nil
	}
	return fmt.Errorf("unknown backup command %q", cmd)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func loadSchema(path string) (*types.Schema, error) {
	if path == "" {
		return nil, fmt.Errorf("-schema is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	var schema types.Schema
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &schema); err != nil {
			return nil, fmt.Errorf("parsing schema file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &schema); err != nil {
			return nil, fmt.Errorf("parsing schema file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported schema file format: %s", filepath.Ext(path))
	}
	return &schema, nil
}

// parseKey accepts a JSON array ('["u1", 2]') or a bare JSON scalar
// ('"u1"', '42') which it wraps into a single-element key.
func parseKey(raw string) ([]any, error) {
	if raw == "" {
		return nil, fmt.Errorf("-key is required")
	}
	var key []any
	if err := json.Unmarshal([]byte(raw), &key); err == nil {
		return key, nil
	}
	var scalar any
	if err := json.Unmarshal([]byte(raw), &scalar); err != nil {
		return nil, fmt.Errorf("parsing key %q: %w", raw, err)
	}
	return []any{scalar}, nil
}

func parseRecord(raw string) (types.Record, error) {
	if raw == "" {
		return nil, fmt.Errorf("-record is required")
	}
	data := []byte(raw)
	if raw == "-" {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading record from stdin: %w", err)
		}
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}
	return rec, nil
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
