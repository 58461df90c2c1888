package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/freeeve/lsmkv"
	"github.com/freeeve/lsmkv/internal/logx"
	"github.com/freeeve/lsmkv/internal/reference"
)

func main() {
	engine := flag.String("engine", "lsm", "Engine to benchmark: lsm or map")
	numRecords := flag.Int("records", 1_000_000, "Number of records to write")
	numReads := flag.Int("reads", 100_000, "Number of point reads to perform")
	numScans := flag.Int("scans", 1_000, "Number of short range scans to perform")
	scanLen := flag.Int("scan-len", 100, "Records visited per scan")
	dataDir := flag.String("dir", "/tmp/lsmkv-bench", "Data directory (lsm only)")
	threshold := flag.Int64("flush-threshold", 4*1024*1024, "Write buffer flush threshold in bytes")
	noWAL := flag.Bool("no-wal", false, "Disable the write-ahead log")
	compact := flag.Bool("compact", true, "Compact between the write and read phases (lsm only)")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	fmt.Println("=== lsmkv benchmark ===")
	fmt.Printf("Engine: %s\n", *engine)
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Records: %d\n", *numRecords)
	fmt.Println()

	var store *lsmkv.Store
	var db lsmkv.DAO
	switch *engine {
	case "lsm":
		os.RemoveAll(*dataDir)
		opts := lsmkv.DefaultOptions(*dataDir)
		opts.FlushThreshold = *threshold
		opts.DisableWAL = *noWAL
		opts.Logger = logx.New(os.Stderr, *logLevel, false)
		var err error
		store, err = lsmkv.Open(*dataDir, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
			os.Exit(1)
		}
		db = store
	case "map":
		db = reference.New()
	default:
		fmt.Fprintf(os.Stderr, "Unknown engine %q (want lsm or map)\n", *engine)
		os.Exit(1)
	}
	defer db.Close()

	runWrite(db, *numRecords)

	if store != nil {
		printStats(store)
		if *compact {
			start := time.Now()
			if err := store.Compact(); err != nil {
				fmt.Fprintf(os.Stderr, "Compaction error: %v\n", err)
			}
			fmt.Printf("Compaction completed in %v\n", time.Since(start))
			printStats(store)
		}
	}

	runReads(db, *numRecords, *numReads)
	runScans(db, *numRecords, *numScans, *scanLen)

	fmt.Println("\n=== BENCHMARK COMPLETE ===")
}

func benchKey(i int) []byte {
	return []byte(fmt.Sprintf("key%012d", i))
}

func runWrite(db lsmkv.DAO, numRecords int) {
	fmt.Println("=== WRITE PHASE ===")
	reportEvery := max(numRecords/10, 1)
	start := time.Now()
	for i := 0; i < numRecords; i++ {
		if err := db.Upsert(benchKey(i), []byte(fmt.Sprintf("val%012d", i))); err != nil {
			fmt.Fprintf(os.Stderr, "Upsert failed at %d: %v\n", i, err)
			os.Exit(1)
		}
		if (i+1)%reportEvery == 0 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			elapsed := time.Since(start)
			fmt.Printf("[%s] Written: %d / %d | Avg: %.0f/s | Heap: %dMB\n",
				elapsed.Truncate(time.Millisecond), i+1, numRecords,
				float64(i+1)/elapsed.Seconds(), m.HeapAlloc/1024/1024)
		}
	}
	d := time.Since(start)
	fmt.Printf("Write complete: %d records in %v (%.0f ops/sec)\n", numRecords, d, float64(numRecords)/d.Seconds())
}

func runReads(db lsmkv.DAO, numRecords, numReads int) {
	fmt.Println("\n=== READ PHASE ===")
	if numRecords == 0 {
		return
	}
	rng := rand.New(rand.NewSource(42))
	var found, missing int
	start := time.Now()
	for i := 0; i < numReads; i++ {
		_, err := db.Get(benchKey(rng.Intn(numRecords)))
		switch {
		case err == nil:
			found++
		case errors.Is(err, lsmkv.ErrKeyNotFound):
			missing++
		default:
			fmt.Fprintf(os.Stderr, "Get failed: %v\n", err)
			os.Exit(1)
		}
	}
	d := time.Since(start)
	fmt.Printf("Reads: %d (found %d, missing %d) in %v (%.0f ops/sec, %v/op)\n",
		numReads, found, missing, d, float64(numReads)/d.Seconds(), d/time.Duration(max(numReads, 1)))
}

func runScans(db lsmkv.DAO, numRecords, numScans, scanLen int) {
	fmt.Println("\n=== SCAN PHASE ===")
	if numRecords == 0 {
		return
	}
	rng := rand.New(rand.NewSource(7))
	visited := 0
	start := time.Now()
	for i := 0; i < numScans; i++ {
		n := 0
		err := db.Scan(benchKey(rng.Intn(numRecords)), func(_, _ []byte) bool {
			n++
			return n < scanLen
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
			os.Exit(1)
		}
		visited += n
	}
	d := time.Since(start)
	fmt.Printf("Scans: %d (%d records visited) in %v (%.0f records/sec)\n",
		numScans, visited, d, float64(visited)/d.Seconds())
}

func printStats(store *lsmkv.Store) {
	stats := store.Stats()
	fmt.Printf("  Tables: %d, entries: %d, bytes: %d, write buffer: %d keys\n",
		len(stats.Tables), stats.TotalEntries(), stats.TotalSize(), stats.MemtableCount)
}
