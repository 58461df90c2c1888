package main

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/freeeve/lsmkv"
	"github.com/freeeve/lsmkv/internal/config"
)

// CLI holds injectable dependencies for testability.
type CLI struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
	Getenv func(string) string
}

// NewCLI creates a CLI with default OS dependencies.
func NewCLI() *CLI {
	return &CLI{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
		Getenv: os.Getenv,
	}
}

// Run executes the CLI and returns an exit code (0 = success, 1 = error).
func (c *CLI) Run(args []string) int {
	if len(args) < 2 {
		c.printUsage()
		return 1
	}

	cmd := args[1]
	cmdArgs := args[2:]

	switch cmd {
	case "version", "-v", "--version":
		fmt.Fprintln(c.Stdout, "lsmkv "+versionString())
		return 0
	case "get":
		return c.cmdGet(cmdArgs)
	case "put":
		return c.cmdPut(cmdArgs)
	case "delete":
		return c.cmdDelete(cmdArgs)
	case "scan":
		return c.cmdScan(cmdArgs)
	case "stats":
		return c.cmdStats(cmdArgs)
	case "flush":
		return c.cmdFlush(cmdArgs)
	case "compact":
		return c.cmdCompact(cmdArgs)
	case "export":
		return c.cmdExport(cmdArgs)
	case "import":
		return c.cmdImport(cmdArgs)
	case "export-csv":
		return c.cmdExportCSV(cmdArgs)
	case "shell":
		return c.cmdShell(cmdArgs)
	case "help", "-h", "--help":
		c.printUsage()
		return 0
	default:
		fmt.Fprintf(c.Stderr, "Unknown command: %s\n\n", cmd)
		c.printUsage()
		return 1
	}
}

func (c *CLI) printUsage() {
	fmt.Fprintln(c.Stdout, `lsmkv - CLI for lsmkv stores

Usage:
  lsmkv <command> [options]

Commands:
  get         Get a value by key
  put         Put a key-value pair
  delete      Delete a key
  scan        Scan keys from a lower bound or with a prefix
  stats       Show store statistics
  flush       Flush the write buffer to a new table
  compact     Merge all tables into one
  export      Write a compressed backup stream
  import      Restore a backup stream
  export-csv  Export live records as CSV (hex key, value)
  shell       Interactive SQL-like query shell

Environment:
  LSMKV_STORE   Default store directory (used if -dir not specified)
  LSMKV_CONFIG  YAML config file (used if -config not specified)

Examples:
  export LSMKV_STORE=/path/to/store
  lsmkv put -key mykey -value "hello world"
  lsmkv get -key mykey
  lsmkv scan -prefix user: -limit 10
  lsmkv export -out backup.lsmkv -compression zstd

Use "lsmkv <command> -h" for more information about a command.`)
}

// storeFlags are shared by every command that opens a store.
type storeFlags struct {
	dir    string
	config string
}

func (c *CLI) addStoreFlags(fs *flag.FlagSet) *storeFlags {
	sf := &storeFlags{}
	fs.StringVar(&sf.dir, "dir", "", "Store directory")
	fs.StringVar(&sf.config, "config", "", "YAML config file")
	return sf
}

// loadConfig reads the config from the flag or LSMKV_CONFIG.
func (c *CLI) loadConfig(flagConfig string) (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = c.Getenv("LSMKV_CONFIG")
	}
	return config.Load(path)
}

// requireDir returns the directory from flag, LSMKV_STORE or the config.
func (c *CLI) requireDir(flagDir string, cfg config.Config) (string, bool) {
	dir := flagDir
	if dir == "" {
		dir = c.Getenv("LSMKV_STORE")
	}
	if dir == "" {
		dir = cfg.Dir
	}
	if dir == "" {
		fmt.Fprintln(c.Stderr, "Error: -dir is required (or set LSMKV_STORE)")
		return "", false
	}
	return dir, true
}

// openStore resolves config and directory and opens the store.
func (c *CLI) openStore(sf *storeFlags) (*lsmkv.Store, bool) {
	cfg, err := c.loadConfig(sf.config)
	if err != nil {
		fmt.Fprintf(c.Stderr, "Error loading config: %v\n", err)
		return nil, false
	}
	dir, ok := c.requireDir(sf.dir, cfg)
	if !ok {
		return nil, false
	}
	store, err := lsmkv.Open(dir, cfg.Options(dir, c.Stderr))
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return nil, false
	}
	return store, true
}

// closeStore closes the store and reports a failed final flush.
func (c *CLI) closeStore(store *lsmkv.Store) {
	if err := store.Close(); err != nil {
		fmt.Fprintf(c.Stderr, "Error closing store: %v\n", err)
	}
}

// reportErr prints err. A degraded read is a warning; anything else fails the command.
func (c *CLI) reportErr(err error) int {
	if lsmkv.KindOf(err) == lsmkv.KindDegraded {
		fmt.Fprintf(c.Stderr, msgWarnDegraded, err)
		return 0
	}
	fmt.Fprintf(c.Stderr, msgErr, err)
	return 1
}

func (c *CLI) cmdGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	key := fs.String("key", "", "Key to get (string)")
	keyHex := fs.String(flagKeyHex, "", "Key to get (hex encoded)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	keyBytes, err := parseCLIKey(*key, *keyHex, isSet(fs, flagKeyHex))
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	val, err := store.Get(keyBytes)
	if errors.Is(err, lsmkv.ErrKeyNotFound) {
		fmt.Fprintln(c.Stdout, "Key not found")
		if lsmkv.KindOf(err) == lsmkv.KindDegraded {
			fmt.Fprintf(c.Stderr, msgWarnDegraded, err)
		}
		return 0
	}
	if err != nil && lsmkv.KindOf(err) != lsmkv.KindDegraded {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}

	fmt.Fprintf(c.Stdout, "%s = %s\n", formatKey(keyBytes), formatValue(val))
	if err != nil {
		fmt.Fprintf(c.Stderr, msgWarnDegraded, err)
	}
	return 0
}

func (c *CLI) cmdPut(args []string) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	key := fs.String("key", "", "Key (string)")
	keyHex := fs.String(flagKeyHex, "", "Key (hex encoded)")
	value := fs.String("value", "", "Value (string)")
	valueHex := fs.String("value-hex", "", "Value (hex encoded)")
	flush := fs.Bool("flush", false, "Flush after put")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	keyBytes, err := parseCLIKey(*key, *keyHex, isSet(fs, flagKeyHex))
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}
	payload, err := parseCLIValue(*value, *valueHex, isSet(fs, "value"), isSet(fs, "value-hex"))
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	if err := store.Upsert(keyBytes, payload); err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}
	if *flush {
		if err := store.Flush(); err != nil {
			fmt.Fprintf(c.Stderr, "Error flushing: %v\n", err)
			return 1
		}
	}

	fmt.Fprintln(c.Stdout, "OK")
	return 0
}

func (c *CLI) cmdDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	key := fs.String("key", "", "Key to delete (string)")
	keyHex := fs.String(flagKeyHex, "", "Key to delete (hex encoded)")
	flush := fs.Bool("flush", false, "Flush after delete")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	keyBytes, err := parseCLIKey(*key, *keyHex, isSet(fs, flagKeyHex))
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	if err := store.Remove(keyBytes); err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}
	if *flush {
		if err := store.Flush(); err != nil {
			fmt.Fprintf(c.Stderr, "Error flushing: %v\n", err)
			return 1
		}
	}

	fmt.Fprintln(c.Stdout, "OK")
	return 0
}

func (c *CLI) cmdScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	from := fs.String("from", "", "Lower bound key, inclusive (string)")
	prefix := fs.String("prefix", "", "Key prefix (string)")
	prefixHex := fs.String("prefix-hex", "", "Key prefix (hex encoded)")
	limit := fs.Int("limit", 100, "Maximum number of results (0 = no limit)")
	keysOnly := fs.Bool("keys-only", false, "Only print keys, not values")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var prefixBytes []byte
	if *prefixHex != "" {
		var err error
		prefixBytes, err = hex.DecodeString(*prefixHex)
		if err != nil {
			fmt.Fprintf(c.Stderr, "Error decoding hex prefix: %v\n", err)
			return 1
		}
	} else if *prefix != "" {
		prefixBytes = []byte(*prefix)
	}
	if prefixBytes != nil && *from != "" {
		fmt.Fprintln(c.Stderr, "Error: -from cannot be combined with a prefix")
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	count := 0
	fn := func(key, value []byte) bool {
		if *limit > 0 && count >= *limit {
			return false
		}
		if *keysOnly {
			fmt.Fprintln(c.Stdout, formatKey(key))
		} else {
			fmt.Fprintf(c.Stdout, "%s = %s\n", formatKey(key), formatValue(value))
		}
		count++
		return true
	}

	var err error
	if prefixBytes != nil {
		err = store.ScanPrefix(prefixBytes, fn)
	} else {
		err = store.Scan([]byte(*from), fn)
	}
	code := 0
	if err != nil {
		code = c.reportErr(err)
	}

	fmt.Fprintf(c.Stderr, "\n(%d results)\n", count)
	return code
}

func (c *CLI) cmdStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	c.printStats(store.Dir(), store.Stats())
	return 0
}

func (c *CLI) printStats(dir string, stats lsmkv.StoreStats) {
	fmt.Fprintf(c.Stdout, "Store: %s\n\n", dir)
	fmt.Fprintf(c.Stdout, "Write buffer:\n")
	fmt.Fprintf(c.Stdout, "  Size:  %s\n", formatBytes(stats.MemtableSize))
	fmt.Fprintf(c.Stdout, "  Keys:  %d\n", stats.MemtableCount)

	fmt.Fprintf(c.Stdout, "\nIndex Memory: %s\n", formatBytes(stats.IndexMemory))

	fmt.Fprintf(c.Stdout, "\nCache:\n")
	fmt.Fprintf(c.Stdout, "  Size:    %s\n", formatBytes(stats.CacheStats.Size))
	fmt.Fprintf(c.Stdout, "  Entries: %d\n", stats.CacheStats.Entries)
	fmt.Fprintf(c.Stdout, "  Hits:    %d\n", stats.CacheStats.Hits)
	fmt.Fprintf(c.Stdout, "  Misses:  %d\n", stats.CacheStats.Misses)
	if stats.CacheStats.Hits+stats.CacheStats.Misses > 0 {
		fmt.Fprintf(c.Stdout, "  Hit Rate: %.1f%%\n", stats.CacheStats.HitRate())
	}

	fmt.Fprintf(c.Stdout, "\nTables:\n")
	for _, t := range stats.Tables {
		fmt.Fprintf(c.Stdout, "  %06d: %10s, %10d entries, %8d tombstones\n",
			t.Generation, formatBytes(t.Size), t.Entries, t.Tombstones)
	}
	fmt.Fprintf(c.Stdout, "\nTotal: %d tables, %s, %d entries\n",
		len(stats.Tables), formatBytes(stats.TotalSize()), stats.TotalEntries())
	fmt.Fprintf(c.Stdout, "Next generation: %d\n", stats.NextGeneration)
}

func (c *CLI) cmdFlush(args []string) int {
	fs := flag.NewFlagSet("flush", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	if err := store.Flush(); err != nil {
		fmt.Fprintf(c.Stderr, "Error flushing: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.Stdout, "Flushed: %d tables\n", store.TableCount())
	return 0
}

func (c *CLI) cmdCompact(args []string) int {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	fmt.Fprintf(c.Stdout, "Before: %d tables\n", store.TableCount())
	fmt.Fprintln(c.Stdout, "Compacting...")

	if err := store.Compact(); err != nil {
		fmt.Fprintf(c.Stderr, "Error compacting: %v\n", err)
		return 1
	}

	fmt.Fprintf(c.Stdout, "After:  %d tables\n", store.TableCount())
	fmt.Fprintln(c.Stdout, "Done")
	return 0
}

func (c *CLI) cmdExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	out := fs.String("out", "", "Output file (default stdout)")
	compression := fs.String("compression", "zstd", "Compression: zstd, snappy, none")
	prefix := fs.String("prefix", "", "Only export keys with this prefix")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	comp, err := lsmkv.ParseCompression(*compression)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	w := c.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(c.Stderr, "Error creating file: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	var prefixBytes []byte
	if *prefix != "" {
		prefixBytes = []byte(*prefix)
	}
	n, err := store.Export(w, lsmkv.ExportOptions{Compression: comp, Prefix: prefixBytes})
	code := 0
	if err != nil {
		code = c.reportErr(err)
	}
	fmt.Fprintf(c.Stderr, "Exported %d records (%s)\n", n, comp)
	return code
}

func (c *CLI) cmdImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	in := fs.String("in", "", "Input file (default stdin)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	r := c.Stdin
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			fmt.Fprintf(c.Stderr, "Error opening file: %v\n", err)
			return 1
		}
		defer f.Close()
		r = f
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	n, err := store.Import(r)
	if err != nil {
		fmt.Fprintf(c.Stderr, "Error importing after %d records: %v\n", n, err)
		return 1
	}
	fmt.Fprintf(c.Stdout, "Imported %d records\n", n)
	return 0
}

func (c *CLI) cmdExportCSV(args []string) int {
	fs := flag.NewFlagSet("export-csv", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	out := fs.String("out", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	w := c.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(c.Stderr, "Error creating file: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	n, err := exportCSV(store, w)
	if err != nil {
		return c.reportErr(err)
	}
	fmt.Fprintf(c.Stderr, "Exported %d records\n", n)
	return 0
}

// exportCSV writes a key_hex,value header followed by one row per live record.
func exportCSV(store *lsmkv.Store, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"key_hex", "value"}); err != nil {
		return 0, err
	}
	n := 0
	var writeErr error
	scanErr := store.Scan(nil, func(key, value []byte) bool {
		if writeErr = cw.Write([]string{hex.EncodeToString(key), formatValue(value)}); writeErr != nil {
			return false
		}
		n++
		return true
	})
	cw.Flush()
	if writeErr != nil {
		return n, writeErr
	}
	if err := cw.Error(); err != nil {
		return n, err
	}
	return n, scanErr
}

func (c *CLI) cmdShell(args []string) int {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := c.addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer c.closeStore(store)

	NewShell(store, c.Stdout).Run()
	return 0
}
