// Package geo resolves client addresses to countries using a MaxMind GeoIP2
// or GeoLite2 database.
package geo

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

var (
	// ErrNotLoaded is returned by lookups on a closed or empty DB.
	ErrNotLoaded = errors.New("geo: database not loaded")

	// ErrInvalidIP is returned for strings that are not IP addresses.
	ErrInvalidIP = errors.New("geo: invalid IP address")
)

// DB wraps a MaxMind database. It is safe for concurrent use and implements
// session.Locator.
type DB struct {
	reader *geoip2.Reader
	mu     sync.RWMutex
}

// Open opens a database file.
func Open(path string) (*DB, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	return &DB{reader: reader}, nil
}

// FromBytes opens a database held in memory.
func FromBytes(b []byte) (*DB, error) {
	reader, err := geoip2.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("geo: load database: %w", err)
	}
	return &DB{reader: reader}, nil
}

// Close releases the database. Lookups afterwards return ErrNotLoaded.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.reader == nil {
		return nil
	}
	err := db.reader.Close()
	db.reader = nil
	return err
}

// LookupCountry returns the ISO code and English name of the country ip
// belongs to.
func (db *DB) LookupCountry(ipStr string) (code, name string, err error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIP, ipStr)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.reader == nil {
		return "", "", ErrNotLoaded
	}

	record, err := db.reader.Country(ip)
	if err != nil {
		return "", "", fmt.Errorf("geo: lookup %s: %w", ipStr, err)
	}
	return record.Country.IsoCode, record.Country.Names["en"], nil
}

// Country returns the ISO country code for ip, or "" when it is unknown.
func (db *DB) Country(ip string) string {
	if db == nil {
		return ""
	}
	code, _, err := db.LookupCountry(ip)
	if err != nil {
		return ""
	}
	return code
}
