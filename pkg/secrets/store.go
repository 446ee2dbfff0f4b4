package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql" // mysql driver loaded here
	_ "github.com/lib/pq"              // postgres driver loaded here
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

const (
	secretsTable = "gft_secrets"
	nonceSize    = 24
	saltSize     = 16
)

// Store keeps secrets encrypted in sqlite, postgres or mysql database.
// Values are sealed with nacl secretbox, the key is derived from the store key with argon2id.
type Store struct {
	db     *sql.DB
	key    []byte
	dbType string
	qb     squirrel.StatementBuilderType
}

// DBType detects database type by connection string: postgres url, mysql dsn with tcp address,
// or sqlite file
func DBType(conn string) (string, error) {
	switch {
	case strings.HasPrefix(conn, "postgres://"):
		return "postgres", nil
	case strings.Contains(conn, "@tcp("):
		return "mysql", nil
	case strings.HasPrefix(conn, "file:") || strings.HasSuffix(conn, ".sqlite") || strings.HasSuffix(conn, ".db"):
		return "sqlite", nil
	}
	return "", errors.New("unsupported database type in connection string")
}

// NewStore opens the store and makes secrets table if missing
func NewStore(ctx context.Context, conn string, key []byte) (*Store, error) {
	if len(key) == 0 {
		return nil, errors.New("empty store key")
	}
	dbType, err := DBType(conn)
	if err != nil {
		return nil, fmt.Errorf("can't determine database type: %w", err)
	}
	db, err := sql.Open(dbType, conn)
	if err != nil {
		return nil, fmt.Errorf("can't open secrets database: %w", err)
	}
	if _, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+secretsTable+` (skey VARCHAR(255) PRIMARY KEY, sval TEXT)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't make secrets table: %w", err)
	}

	qb := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
	if dbType == "postgres" {
		qb = qb.PlaceholderFormat(squirrel.Dollar)
	}
	log.Printf("[INFO] secrets store, type: %s", dbType)
	return &Store{db: db, key: key, dbType: dbType, qb: qb.RunWith(db)}, nil
}

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// Get returns decrypted secret
func (s *Store) Get(key string) (string, error) {
	var sealed string
	err := s.qb.Select("sval").From(secretsTable).Where(squirrel.Eq{"skey": key}).QueryRow().Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("can't load secret %s: %w", key, err)
	}
	res, err := s.decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("can't decrypt secret %s: %w", key, err)
	}
	return res, nil
}

// Set encrypts and stores secret, replacing the existing one
func (s *Store) Set(key, value string) error {
	sealed, err := s.encrypt(value)
	if err != nil {
		return fmt.Errorf("can't encrypt secret %s: %w", key, err)
	}
	if s.dbType == "postgres" {
		_, err = s.qb.Insert(secretsTable).Columns("skey", "sval").Values(key, sealed).
			Suffix("ON CONFLICT (skey) DO UPDATE SET sval = EXCLUDED.sval").Exec()
	} else {
		_, err = s.qb.Replace(secretsTable).Columns("skey", "sval").Values(key, sealed).Exec()
	}
	if err != nil {
		return fmt.Errorf("can't store secret %s: %w", key, err)
	}
	return nil
}

// Delete removes secret, ErrNotFound if there is no such key
func (s *Store) Delete(key string) error {
	res, err := s.qb.Delete(secretsTable).Where(squirrel.Eq{"skey": key}).Exec()
	if err != nil {
		return fmt.Errorf("can't delete secret %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("can't check deleted rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List returns sorted keys with the prefix, all keys for empty or "*" prefix
func (s *Store) List(prefix string) ([]string, error) {
	q := s.qb.Select("skey").From(secretsTable).OrderBy("skey")
	if prefix != "" && prefix != "*" {
		q = q.Where(squirrel.Like{"skey": prefix + "%"})
	}
	rows, err := q.Query()
	if err != nil {
		return nil, fmt.Errorf("can't list secrets: %w", err)
	}
	defer rows.Close() // nolint

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("can't scan secret key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// encrypt seals data and returns base64 of nonce + salt + sealed box
func (s *Store) encrypt(data string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := make([]byte, 0, nonceSize+saltSize+len(data)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = append(out, salt...)
	return base64.StdEncoding.EncodeToString(secretbox.Seal(out, []byte(data), &nonce, s.deriveKey(salt))), nil
}

func (s *Store) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < nonceSize+saltSize+secretbox.Overhead {
		return "", errors.New("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	salt := sealed[nonceSize : nonceSize+saltSize]
	res, ok := secretbox.Open(nil, sealed[nonceSize+saltSize:], &nonce, s.deriveKey(salt))
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(res), nil
}

// deriveKey makes secretbox key from the store key with argon2id, 64MB memory and 4 threads
func (s *Store) deriveKey(salt []byte) *[32]byte {
	var res [32]byte
	copy(res[:], argon2.IDKey(s.key, salt, 1, 64*1024, 4, 32))
	return &res
}
