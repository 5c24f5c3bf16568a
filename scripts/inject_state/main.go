// inject_state seeds a throttle ledger entry and a parked curator notice for
// smoke testing. It is a standalone tool, not part of the module's test suite.
//
// Usage:
//
//	go run scripts/inject_state/main.go --ledger-dir ./ips --outbox ./outbox.db --ip 203.0.113.42 --attempts 5
package main

import (
	"flag"
	"fmt"
	"log"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/url-catcher/internal/storage"
)

// identityFile strips CIDR notation, normalises the address and replaces IPv6
// colons with underscores, matching the file names the ledger writes.
func identityFile(raw string) string {
	if idx := strings.IndexByte(raw, '/'); idx != -1 {
		raw = raw[:idx]
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		raw = addr.String()
	}
	return strings.ReplaceAll(raw, ":", "_")
}

// stateContent renders the two-line ledger record.
func stateContent(start time.Time, attempts int) []byte {
	return []byte(strconv.FormatInt(start.Unix(), 10) + "\n" + strconv.Itoa(attempts))
}

// backoffSeconds returns the wait the ledger will demand for an entry with the
// given attempt count, before the window cap.
func backoffSeconds(attempts int) (int64, error) {
	if attempts < 0 {
		return 0, fmt.Errorf("--attempts must be >= 0, got %d", attempts)
	}
	if attempts >= 62 {
		return 1 << 62, nil
	}
	return int64(1) << attempts, nil
}

func main() {
	ledgerDir := flag.String("ledger-dir", "", "Throttle ledger directory (required)")
	outboxPath := flag.String("outbox", "", "Path to outbox.db (optional)")
	ip := flag.String("ip", "", "Client IP to throttle (required)")
	attempts := flag.Int("attempts", 5, "Attempts already admitted in the current window")
	list := flag.String("list", "notes", "List name for the parked notice")
	flag.Parse()

	if *ledgerDir == "" {
		log.Fatal("--ledger-dir is required")
	}
	if *ip == "" {
		log.Fatal("--ip is required")
	}
	wait, err := backoffSeconds(*attempts)
	if err != nil {
		log.Fatal(err)
	}

	// ── Write ledger entry ────────────────────────────────────────────────────
	name := identityFile(*ip)
	content := stateContent(time.Now(), *attempts)
	path := filepath.Join(*ledgerDir, name)
	if err := storage.AtomicWrite(path, content, storage.Overwrite); err != nil {
		log.Fatalf("write ledger entry: %v", err)
	}
	fmt.Printf("[inject_state] ledger: file=%s wait=%ds\n", path, wait)

	// ── Park a notice ─────────────────────────────────────────────────────────
	if *outboxPath != "" {
		ob, err := storage.OpenOutbox(*outboxPath)
		if err != nil {
			log.Fatalf("open %s: %v", *outboxPath, err)
		}
		defer ob.Close()
		id, err := ob.Put(storage.OutboxEntry{
			List:      *list,
			URL:       "https://example.org/smoke-test",
			Attempts:  1,
			QueuedAt:  time.Now().UTC(),
			LastError: "injected",
		})
		if err != nil {
			log.Fatalf("park notice: %v", err)
		}
		fmt.Printf("[inject_state] outbox: id=%s list=%s\n", id, *list)
	}

	fmt.Println("[inject_state] done, the next janitor pass redelivers the notice")
}
