package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/freeeve/lsmkv"
)

// newTestCLI creates a CLI with captured stdout/stderr for testing.
func newTestCLI() (*CLI, *bytes.Buffer, *bytes.Buffer) {
	return newTestCLIWithEnv(func(string) string { return "" })
}

// newTestCLIWithEnv creates a CLI with a custom env function.
func newTestCLIWithEnv(envFunc func(string) string) (*CLI, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	cli := &CLI{
		Stdout: &stdout,
		Stderr: &stderr,
		Stdin:  strings.NewReader(""),
		Getenv: envFunc,
	}
	return cli, &stdout, &stderr
}

// run executes one command against dir and fails the test on a non-zero exit.
func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cli, stdout, stderr := newTestCLI()
	full := append([]string{"lsmkv", args[0], "-dir", dir}, args[1:]...)
	if code := cli.Run(full); code != 0 {
		t.Fatalf("%v exited %d: %s", args, code, stderr.String())
	}
	return stdout.String()
}

func TestCLINoArgs(t *testing.T) {
	cli, stdout, _ := newTestCLI()
	if code := cli.Run([]string{"lsmkv"}); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "Usage") {
		t.Errorf("usage not printed: %q", stdout.String())
	}
}

func TestCLIVersion(t *testing.T) {
	cli, stdout, _ := newTestCLI()
	if code := cli.Run([]string{"lsmkv", "version"}); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if got := stdout.String(); got != "lsmkv dev (unknown)\n" {
		t.Errorf("version = %q", got)
	}
}

func TestCLIUnknownCommand(t *testing.T) {
	cli, _, stderr := newTestCLI()
	if code := cli.Run([]string{"lsmkv", "frobnicate"}); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestCLIMissingDir(t *testing.T) {
	cli, _, stderr := newTestCLI()
	if code := cli.Run([]string{"lsmkv", "get", "-key", "a"}); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "-dir is required") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestCLIPutGetDelete(t *testing.T) {
	dir := t.TempDir()

	if out := run(t, dir, "put", "-key", "user:1", "-value", "alice"); out != "OK\n" {
		t.Errorf("put output = %q", out)
	}
	if out := run(t, dir, "get", "-key", "user:1"); out != "user:1 = alice\n" {
		t.Errorf("get output = %q", out)
	}
	if out := run(t, dir, "delete", "-key", "user:1"); out != "OK\n" {
		t.Errorf("delete output = %q", out)
	}
	if out := run(t, dir, "get", "-key", "user:1"); out != "Key not found\n" {
		t.Errorf("get after delete = %q", out)
	}
}

func TestCLIHexKeysAndValues(t *testing.T) {
	dir := t.TempDir()

	run(t, dir, "put", "-key-hex", "00ff", "-value-hex", "0102")
	out := run(t, dir, "get", "-key-hex", "00ff")
	if out != "0x00ff = 0x0102\n" {
		t.Errorf("get output = %q", out)
	}

	// The empty key is reachable through -key-hex "".
	run(t, dir, "put", "-key-hex", "", "-value", "root")
	if out := run(t, dir, "get", "-key-hex", ""); out != "0x = root\n" {
		t.Errorf("empty key get = %q", out)
	}
}

func TestCLIPutRequiresKeyAndValue(t *testing.T) {
	dir := t.TempDir()
	tests := [][]string{
		{"lsmkv", "put", "-dir", dir, "-value", "v"},
		{"lsmkv", "put", "-dir", dir, "-key", "k"},
		{"lsmkv", "put", "-dir", dir, "-key", "k", "-value", "v", "-value-hex", "00"},
		{"lsmkv", "put", "-dir", dir, "-key-hex", "zz", "-value", "v"},
	}
	for _, args := range tests {
		cli, _, _ := newTestCLI()
		if code := cli.Run(args); code != 1 {
			t.Errorf("%v exit = %d, want 1", args[3:], code)
		}
	}
}

func TestCLIStoreFromEnv(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{"LSMKV_STORE": dir}
	cli, stdout, stderr := newTestCLIWithEnv(func(k string) string { return env[k] })

	if code := cli.Run([]string{"lsmkv", "put", "-key", "a", "-value", "1"}); code != 0 {
		t.Fatalf("put exit = %d: %s", code, stderr.String())
	}
	if stdout.String() != "OK\n" {
		t.Errorf("put output = %q", stdout.String())
	}
	if out := run(t, dir, "get", "-key", "a"); out != "a = 1\n" {
		t.Errorf("value not written to LSMKV_STORE dir: %q", out)
	}
}

func TestCLIStoreFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "lsmkv.yaml")
	cfg := "dir: " + dir + "\nstore:\n  flush_threshold: 1\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	cli, _, stderr := newTestCLI()
	if code := cli.Run([]string{"lsmkv", "put", "-config", cfgPath, "-key", "a", "-value", "1"}); code != 0 {
		t.Fatalf("put exit = %d: %s", code, stderr.String())
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.sst"))
	if len(matches) != 1 {
		t.Errorf("tables in config dir = %v, want 1", matches)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("store:\n  wal_sync: sometimes\n"), 0644)
	cli, _, stderr = newTestCLI()
	if code := cli.Run([]string{"lsmkv", "get", "-config", bad, "-dir", dir, "-key", "a"}); code != 1 {
		t.Errorf("bad config exit = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Error loading config") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestCLIScan(t *testing.T) {
	dir := t.TempDir()
	store, err := lsmkv.Open(dir, lsmkv.DefaultOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, k := range []string{"user:1", "user:2", "user:3", "order:1"} {
		store.Upsert([]byte(k), []byte("v"+k))
	}
	store.Close()

	cli, stdout, stderr := newTestCLI()
	if code := cli.Run([]string{"lsmkv", "scan", "-dir", dir, "-prefix", "user:"}); code != 0 {
		t.Fatalf("scan exit = %d: %s", code, stderr.String())
	}
	want := "user:1 = vuser:1\nuser:2 = vuser:2\nuser:3 = vuser:3\n"
	if stdout.String() != want {
		t.Errorf("scan output = %q, want %q", stdout.String(), want)
	}
	if !strings.Contains(stderr.String(), "(3 results)") {
		t.Errorf("stderr = %q", stderr.String())
	}

	cli, stdout, stderr = newTestCLI()
	cli.Run([]string{"lsmkv", "scan", "-dir", dir, "-limit", "2", "-keys-only"})
	if stdout.String() != "order:1\nuser:1\n" {
		t.Errorf("limited scan = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "(2 results)") {
		t.Errorf("stderr = %q", stderr.String())
	}

	cli, stdout, _ = newTestCLI()
	cli.Run([]string{"lsmkv", "scan", "-dir", dir, "-from", "user:2", "-keys-only"})
	if stdout.String() != "user:2\nuser:3\n" {
		t.Errorf("scan from user:2 = %q", stdout.String())
	}

	cli, stdout, _ = newTestCLI()
	cli.Run([]string{"lsmkv", "scan", "-dir", dir, "-prefix-hex", "6f72", "-keys-only"})
	if stdout.String() != "order:1\n" {
		t.Errorf("hex prefix scan = %q", stdout.String())
	}

	cli, _, _ = newTestCLI()
	if code := cli.Run([]string{"lsmkv", "scan", "-dir", dir, "-from", "a", "-prefix", "user:"}); code != 1 {
		t.Errorf("-from with -prefix exit = %d, want 1", code)
	}
}

func TestCLIFlushAndCompact(t *testing.T) {
	dir := t.TempDir()

	// Every command closes the store, which flushes its buffer.
	run(t, dir, "put", "-key", "a", "-value", "1")
	run(t, dir, "put", "-key", "b", "-value", "2")
	run(t, dir, "delete", "-key", "a")

	if out := run(t, dir, "flush"); out != "Flushed: 3 tables\n" {
		t.Errorf("flush output = %q", out)
	}

	out := run(t, dir, "compact")
	for _, want := range []string{"Before: 3 tables", "After:  1 tables", "Done"} {
		if !strings.Contains(out, want) {
			t.Errorf("compact output %q missing %q", out, want)
		}
	}

	if out := run(t, dir, "scan"); out != "b = 2\n" {
		t.Errorf("scan after compact = %q", out)
	}
}

func TestCLIPutFlush(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "put", "-key", "a", "-value", "1", "-flush")
	matches, _ := filepath.Glob(filepath.Join(dir, "*.sst"))
	if len(matches) != 1 || filepath.Base(matches[0]) != "000000.sst" {
		t.Errorf("tables = %v, want [000000.sst]", matches)
	}
}

func TestCLIStats(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "put", "-key", "a", "-value", "1")

	out := run(t, dir, "stats")
	for _, want := range []string{"Store: " + dir, "Total: 1 tables", "Next generation: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestCLIExportImport(t *testing.T) {
	src := t.TempDir()
	for _, k := range []string{"a", "b", "c"} {
		run(t, src, "put", "-key", k, "-value", "v"+k)
	}

	for _, comp := range []string{"zstd", "snappy", "none"} {
		t.Run(comp, func(t *testing.T) {
			backup := filepath.Join(t.TempDir(), "backup.bin")

			cli, _, stderr := newTestCLI()
			if code := cli.Run([]string{"lsmkv", "export", "-dir", src, "-out", backup, "-compression", comp}); code != 0 {
				t.Fatalf("export exit = %d: %s", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), "Exported 3 records ("+comp+")") {
				t.Errorf("export stderr = %q", stderr.String())
			}

			dst := t.TempDir()
			if out := run(t, dst, "import", "-in", backup); out != "Imported 3 records\n" {
				t.Errorf("import output = %q", out)
			}
			if out := run(t, dst, "get", "-key", "b"); out != "b = vb\n" {
				t.Errorf("imported get = %q", out)
			}
		})
	}
}

func TestCLIImportFromStdin(t *testing.T) {
	src := t.TempDir()
	run(t, src, "put", "-key", "k", "-value", "v")

	cli, stdout, _ := newTestCLI()
	if code := cli.Run([]string{"lsmkv", "export", "-dir", src, "-compression", "none"}); code != 0 {
		t.Fatalf("export exit = %d", code)
	}

	dst := t.TempDir()
	cli, out, stderr := newTestCLI()
	cli.Stdin = bytes.NewReader(stdout.Bytes())
	if code := cli.Run([]string{"lsmkv", "import", "-dir", dst}); code != 0 {
		t.Fatalf("import exit = %d: %s", code, stderr.String())
	}
	if out.String() != "Imported 1 records\n" {
		t.Errorf("import output = %q", out.String())
	}

	cli, _, _ = newTestCLI()
	cli.Stdin = strings.NewReader("not a backup")
	if code := cli.Run([]string{"lsmkv", "import", "-dir", dst}); code != 1 {
		t.Errorf("garbage import exit = %d, want 1", code)
	}
}

func TestCLIExportBadCompression(t *testing.T) {
	cli, _, _ := newTestCLI()
	if code := cli.Run([]string{"lsmkv", "export", "-dir", t.TempDir(), "-compression", "lz77"}); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
}

func TestCLIExportCSV(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "put", "-key", "a", "-value", "hello, world")
	run(t, dir, "put", "-key-hex", "ff", "-value-hex", "00")

	out := run(t, dir, "export-csv")
	want := "key_hex,value\n61,\"hello, world\"\nff,0x00\n"
	if out != want {
		t.Errorf("csv = %q, want %q", out, want)
	}
}

func TestParseCLIKey(t *testing.T) {
	tests := []struct {
		key, keyHex string
		hexSet      bool
		want        string
		wantErr     bool
	}{
		{"abc", "", false, "abc", false},
		{"", "6162", true, "ab", false},
		{"ignored", "63", true, "c", false},
		{"", "", true, "", false},
		{"", "", false, "", true},
		{"", "xyz", true, "", true},
	}
	for _, tt := range tests {
		got, err := parseCLIKey(tt.key, tt.keyHex, tt.hexSet)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCLIKey(%q, %q, %v) err = %v", tt.key, tt.keyHex, tt.hexSet, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("parseCLIKey(%q, %q, %v) = %q, want %q", tt.key, tt.keyHex, tt.hexSet, got, tt.want)
		}
	}
}

func TestParseCLIValue(t *testing.T) {
	if v, err := parseCLIValue("", "", true, false); err != nil || v == nil || len(v) != 0 {
		t.Errorf("empty -value = %q, %v; want empty payload", v, err)
	}
	if v, err := parseCLIValue("", "beef", false, true); err != nil || !bytes.Equal(v, []byte{0xbe, 0xef}) {
		t.Errorf("hex value = %x, %v", v, err)
	}
	if _, err := parseCLIValue("a", "00", true, true); err == nil {
		t.Error("both flags should fail")
	}
	if _, err := parseCLIValue("", "", false, false); err == nil {
		t.Error("no flag should fail")
	}
	if _, err := parseCLIValue("", "0", false, true); err == nil {
		t.Error("odd hex should fail")
	}
}

func TestFormatKey(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("user:1"), "user:1"},
		{[]byte{}, "0x"},
		{[]byte{0x00, 0x01}, "0x0001"},
		{[]byte("tab\there"), "0x" + "7461620968657265"},
	}
	for _, tt := range tests {
		if got := formatKey(tt.in); got != tt.want {
			t.Errorf("formatKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	mp, err := lsmkv.EncodeMsgpack(map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("EncodeMsgpack failed: %v", err)
	}
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("hello"), "hello"},
		{[]byte("multi\nline"), "multi\nline"},
		{[]byte{0x00, 0xff}, "0x00ff"},
		{mp, `{"name":"Alice"}`},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{4 * 1024 * 1024, "4.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
