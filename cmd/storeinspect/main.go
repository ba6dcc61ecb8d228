// storeinspect opens a store and prints a quick folder/thread summary:
// how many folders it holds, and per folder a message count, flag
// breakdown, and conversation-thread count. A read-only diagnostic
// tool, not part of the storage engine itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/localmail/storecore/internal/matchthreads"
	"github.com/localmail/storecore/internal/storedb"
)

func main() {
	path := flag.String("store", "", "path to the store's SQLite file")
	folder := flag.String("folder", "", "inspect only this folder (default: all folders)")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: storeinspect -store <path> [-folder <name>]")
		os.Exit(2)
	}

	if err := run(*path, *folder); err != nil {
		fmt.Fprintf(os.Stderr, "storeinspect: %v\n", err)
		os.Exit(1)
	}
}

func run(path, onlyFolder string) error {
	ctx := context.Background()

	db, err := storedb.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	names, err := db.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}

	for _, name := range names {
		if onlyFolder != "" && name != onlyFolder {
			continue
		}
		if err := inspectFolder(ctx, db, name); err != nil {
			return fmt.Errorf("folder %q: %w", name, err)
		}
		if onlyFolder != "" {
			if err := listMessages(ctx, db, name); err != nil {
				return fmt.Errorf("folder %q: %w", name, err)
			}
		}
	}
	return nil
}

// listMessages prints each message's uid, flags, and subject; only
// run for a single named folder to keep -store output compact.
func listMessages(ctx context.Context, db *storedb.DB, name string) error {
	return db.ReadMessages(ctx, name, func(r storedb.MessageRecord) error {
		flags := strings.Join(r.Flags.Names(), " ")
		if flags == "" {
			flags = "-"
		}
		fmt.Printf("  %s  %-20s  %s\n", r.UID, flags, r.Subject)
		return nil
	})
}

func inspectFolder(ctx context.Context, db *storedb.DB, name string) error {
	total, err := db.CountMessages(ctx, name, storedb.CountTotal)
	if err != nil {
		return err
	}
	unread, err := db.CountMessages(ctx, name, storedb.CountUnread)
	if err != nil {
		return err
	}
	junk, err := db.CountMessages(ctx, name, storedb.CountJunk)
	if err != nil {
		return err
	}
	deleted, err := db.CountMessages(ctx, name, storedb.CountDeleted)
	if err != nil {
		return err
	}

	threads, err := countThreads(ctx, db, name)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d messages (%d unread, %d junk, %d deleted), %d threads\n",
		name, total, unread, junk, deleted, threads)
	return nil
}

// countThreads rebuilds the conversation-thread forest for name and
// returns how many independent roots it has.
func countThreads(ctx context.Context, db *storedb.DB, name string) (int, error) {
	var items []matchthreads.ThreadItem
	err := db.ReadMessages(ctx, name, func(r storedb.MessageRecord) error {
		own, refs := matchthreads.DecodePart(r.Part)
		if own == "" {
			own = matchthreads.HashMessageID(r.UID)
		}
		items = append(items, matchthreads.ThreadItem{
			Store:         name,
			UID:           r.UID,
			Subject:       r.Subject,
			MessageIDHash: own,
			References:    refs,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	tree := matchthreads.Build(items, matchthreads.BuildFlags{SubjectGrouping: true})
	return len(tree.Roots()), nil
}
