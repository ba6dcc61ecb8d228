// Package addressbook defines the contact-lookup collaborator as an
// interface, plus one concrete reference implementation backed by a
// local .vcf file so the interface is exercised end-to-end without
// pulling in any network transport.
package addressbook

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/rs/zerolog"

	"github.com/localmail/storecore/internal/logging"
)

// AddressBook is the addressbook-lookup collaborator storesearch's
// addressbook_contains UDF delegates to during its bulk remote-op
// resolution phase, never from inside a SELECT.
type AddressBook interface {
	// Contains reports whether email appears in the book identified
	// by bookUID.
	Contains(ctx context.Context, bookUID, email string) (bool, error)
}

// VCardFile is a reference AddressBook backed by a single local .vcf
// file, keyed by its own path as the "book uid" (one book per file).
// It loads once and caches in memory; callers needing live updates
// should call Reload.
type VCardFile struct {
	path string
	log  zerolog.Logger

	mu     sync.RWMutex
	emails map[string]bool
}

// OpenVCardFile loads path (an RFC 6350 vCard file, one or more
// vcards concatenated, as github.com/emersion/go-vcard decodes).
// A missing file yields an empty, queryable book rather than an
// error, matching this package's role as an optional collaborator.
func OpenVCardFile(path string) (*VCardFile, error) {
	b := &VCardFile{
		path:   path,
		log:    logging.WithComponent("addressbook"),
		emails: make(map[string]bool),
	}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload re-reads the backing file, replacing the in-memory email set.
func (b *VCardFile) Reload() error {
	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		b.mu.Lock()
		b.emails = make(map[string]bool)
		b.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dec := vcard.NewDecoder(f)
	emails := make(map[string]bool)
	for {
		card, err := dec.Decode()
		if err != nil {
			break // EOF or trailing garbage; best-effort load
		}
		for _, field := range card[vcard.FieldEmail] {
			emails[normalizeEmail(field.Value)] = true
		}
	}
	b.mu.Lock()
	b.emails = emails
	b.mu.Unlock()
	return nil
}

// Contains implements AddressBook. bookUID is accepted for interface
// parity but ignored since this reference implementation is always
// scoped to the one file it was opened from.
func (b *VCardFile) Contains(ctx context.Context, bookUID, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emails[normalizeEmail(email)], nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
