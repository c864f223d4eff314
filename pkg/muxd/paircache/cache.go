// Package paircache provides an optional on-disk cache of pair
// records, keyed by UDID, backed by badger. usbmuxd itself is the
// source of truth; this cache only shortcuts the read when the
// multiplexer is reachable but slow to answer ReadPairRecord, and is
// safe to drop entirely (a cache miss just falls back to the
// multiplexer).
//
// Pair records carry a host private key, so entries are never written
// to badger in the clear: each record is sealed with
// chacha20poly1305 under a key derived from a caller-supplied
// passphrase via scrypt, with a random per-database salt persisted
// alongside the encrypted entries.
package paircache

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/marmos91/iosmux/pkg/muxd"
	"github.com/marmos91/iosmux/pkg/plist"
)

const (
	saltDBKey = "_salt"
	saltSize  = 16
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
)

// Cache wraps a badger KV store scoped to pair records, transparently
// sealing and opening entries with an AEAD cipher.
type Cache struct {
	db   *badger.DB
	aead cipher.AEAD
}

// Open opens (creating if absent) a badger database rooted at dir,
// deriving the at-rest encryption key from passphrase. The same
// passphrase must be supplied on every Open against an existing dir;
// a mismatched passphrase makes every cached entry fail to decrypt,
// which Get reports as a cache miss rather than an error.
func Open(dir string, passphrase []byte) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("paircache: open badger at %s: %w", dir, err)
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, aead: aead}, nil
}

func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("paircache: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("paircache: build cipher: %w", err)
	}
	return aead, nil
}

func loadOrCreateSalt(db *badger.DB) ([]byte, error) {
	var salt []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(saltDBKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			salt = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("paircache: read salt: %w", err)
	}
	if salt != nil {
		return salt, nil
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("paircache: generate salt: %w", err)
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(saltDBKey), salt)
	})
	if err != nil {
		return nil, fmt.Errorf("paircache: persist salt: %w", err)
	}
	return salt, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores rec for udid as an encrypted, encoded plist blob.
func (c *Cache) Put(udid string, rec muxd.PairRecord) error {
	d := plist.NewDict().
		Set("HostCertificate", rec.HostCertificate).
		Set("HostPrivateKey", rec.HostPrivateKey).
		Set("DeviceCertificate", rec.DeviceCertificate).
		Set("HostID", rec.HostID).
		Set("SystemBUID", rec.SystemBUID).
		Set("EscrowBag", rec.EscrowBag)

	encoded, err := plist.Encode(d)
	if err != nil {
		return fmt.Errorf("paircache: encode record for %s: %w", udid, err)
	}
	sealed, err := c.seal(encoded)
	if err != nil {
		return fmt.Errorf("paircache: seal record for %s: %w", udid, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(udid), sealed)
	})
}

// Get returns the cached record for udid, if present and decryptable
// under this Cache's key. A passphrase mismatch or corrupted entry is
// treated as a miss, not an error, matching the package's documented
// "safe to drop entirely" fallback contract.
func (c *Cache) Get(udid string) (muxd.PairRecord, bool, error) {
	var sealed []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(udid))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sealed = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return muxd.PairRecord{}, false, fmt.Errorf("paircache: get %s: %w", udid, err)
	}
	if sealed == nil {
		return muxd.PairRecord{}, false, nil
	}

	plaintext, err := c.open(sealed)
	if err != nil {
		return muxd.PairRecord{}, false, nil
	}
	decoded, err := plist.Decode(plaintext)
	if err != nil {
		return muxd.PairRecord{}, false, nil
	}
	d, ok := decoded.(*plist.Dict)
	if !ok {
		return muxd.PairRecord{}, false, nil
	}
	rec := muxd.PairRecord{
		HostCertificate:   d.GetData("HostCertificate"),
		HostPrivateKey:    d.GetData("HostPrivateKey"),
		DeviceCertificate: d.GetData("DeviceCertificate"),
		HostID:            d.GetString("HostID"),
		SystemBUID:        d.GetString("SystemBUID"),
		EscrowBag:         d.GetData("EscrowBag"),
	}
	return rec, true, nil
}

// Delete removes a cached record, e.g. after a Detach.
func (c *Cache) Delete(udid string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(udid))
	})
}

func (c *Cache) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cache) open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("sealed entry shorter than nonce")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}

func entryKey(udid string) []byte {
	return []byte("pair/" + udid)
}
