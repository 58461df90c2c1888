package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/peterh/liner"

	"github.com/freeeve/lsmkv"
)

// Shell provides an interactive SQL-like query interface over the virtual
// table kv(k, v).
type Shell struct {
	store       *lsmkv.Store
	out         io.Writer
	prompt      string
	historyFile string
	line        *liner.State
}

// NewShell creates a new shell instance writing results to out.
func NewShell(store *lsmkv.Store, out io.Writer) *Shell {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".lsmkv_history")
	}

	return &Shell{
		store:       store,
		out:         out,
		prompt:      "lsmkv> ",
		historyFile: historyFile,
	}
}

// Run starts the interactive shell.
func (s *Shell) Run() {
	s.line = liner.NewLiner()
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)
	s.loadHistory()

	fmt.Fprintln(s.out, "lsmkv shell "+versionString())
	fmt.Fprintln(s.out, "Type \\help for help, \\q to quit")
	fmt.Fprintln(s.out)

	s.runLoop()
	s.saveHistory()
}

func (s *Shell) loadHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Open(s.historyFile)
	if err != nil {
		return
	}
	s.line.ReadHistory(f)
	f.Close()
}

func (s *Shell) saveHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Create(s.historyFile)
	if err != nil {
		return
	}
	s.line.WriteHistory(f)
	f.Close()
}

// runLoop processes user input until exit.
func (s *Shell) runLoop() {
	for {
		input, err := s.line.Prompt(s.prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Fprintln(s.out, "^C")
				continue
			}
			fmt.Fprintln(s.out)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)
		if !s.execute(input) {
			return
		}
	}
}

// execute runs one line. Returns false to exit.
func (s *Shell) execute(line string) bool {
	if strings.HasPrefix(line, "\\") {
		return s.handleCommand(line)
	}

	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	line = preprocessStartsWith(line)

	stmt, err := sqlparser.Parse(line)
	if err != nil {
		fmt.Fprintf(s.out, "Parse error: %v\n", err)
		return true
	}

	switch st := stmt.(type) {
	case *sqlparser.Select:
		s.handleSelect(st)
	case *sqlparser.Insert:
		s.handleInsert(st)
	case *sqlparser.Update:
		s.handleUpdate(st)
	case *sqlparser.Delete:
		s.handleDelete(st)
	default:
		fmt.Fprintf(s.out, "Unsupported statement type: %T\n", stmt)
	}
	return true
}

func (s *Shell) handleCommand(cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true
	}

	switch parts[0] {
	case "\\q", "\\quit", "\\exit":
		fmt.Fprintln(s.out, "Bye")
		return false
	case "\\help", "\\h", "\\?":
		s.printHelp()
	case "\\stats":
		s.printStats()
	case "\\compact":
		fmt.Fprintln(s.out, "Compacting...")
		if err := s.store.Compact(); err != nil {
			fmt.Fprintf(s.out, msgErr, err)
		} else {
			fmt.Fprintln(s.out, "Done")
		}
	case "\\flush":
		if err := s.store.Flush(); err != nil {
			fmt.Fprintf(s.out, msgErr, err)
		} else {
			fmt.Fprintln(s.out, "Flushed")
		}
	case "\\tables":
		fmt.Fprintln(s.out, "Table: kv (k BLOB, v BLOB)")
		fmt.Fprintln(s.out, "  - k: the key (string or hex with x'...')")
		fmt.Fprintln(s.out, "  - v: the value")
	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", parts[0])
		fmt.Fprintln(s.out, "Type \\help for help")
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `SQL Commands:
  SELECT * FROM kv WHERE k = 'mykey'
  SELECT * FROM kv WHERE k LIKE 'prefix%'
  SELECT * FROM kv WHERE k STARTS WITH x'1400'
  SELECT * FROM kv WHERE k >= 'a' AND k <= 'm'
  SELECT * FROM kv WHERE k BETWEEN 'a' AND 'z' LIMIT 10
  SELECT v.name FROM kv WHERE k = 'user:1'     -- msgpack map fields
  SELECT count(*) FROM kv WHERE k LIKE 'user:%'

  INSERT INTO kv (k, v) VALUES ('mykey', 'myvalue')
  INSERT INTO kv VALUES ('user:1', '{"name":"Alice","age":30}')  -- stored as msgpack map
  INSERT INTO kv VALUES ('raw', x'deadbeef')

  UPDATE kv SET v = 'newvalue' WHERE k = 'mykey'

  DELETE FROM kv WHERE k = 'mykey'
  DELETE FROM kv WHERE k LIKE 'prefix%'
  DELETE FROM kv WHERE k BETWEEN 'a' AND 'c'   -- [a, c]

Shell Commands:
  \help, \h, \?      Show this help
  \stats             Show store statistics
  \compact           Merge all tables into one
  \flush             Flush the write buffer to disk
  \tables            Show table schema
  \q, \quit          Exit shell

Notes:
  - Use single quotes for strings: 'mykey'
  - Use x'...' for hex values: x'deadbeef'
  - LIKE only supports prefix matching (trailing %)
  - BETWEEN, >= and <= are inclusive`)
}

func (s *Shell) printStats() {
	stats := s.store.Stats()

	fmt.Fprintf(s.out, "Write buffer: %d keys, %s\n", stats.MemtableCount, formatBytes(stats.MemtableSize))
	fmt.Fprintf(s.out, "Cache: %d entries, %s (%.1f%% hit rate)\n",
		stats.CacheStats.Entries, formatBytes(stats.CacheStats.Size),
		stats.CacheStats.HitRate())
	for _, t := range stats.Tables {
		fmt.Fprintf(s.out, "%06d: %d entries, %d tombstones, %s\n",
			t.Generation, t.Entries, t.Tombstones, formatBytes(t.Size))
	}
	fmt.Fprintf(s.out, "Total: %d tables, %d entries, %s\n",
		len(stats.Tables), stats.TotalEntries(), formatBytes(stats.TotalSize()))
}
