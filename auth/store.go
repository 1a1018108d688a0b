// Package auth stores the authentication material the chat feature
// depends on: the backend-issued token pair and the authenticated user's
// profile, kept in a local SQLite file between app sessions.
package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// ErrNoCredentials is returned when no token pair has been stored yet.
var ErrNoCredentials = errors.New("auth: no stored credentials")

type StoreOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (o *StoreOption) dsn(sb *strings.Builder) {
	if o == nil {
		return
	}
	sep := byte('?')
	write := func(key, value string) {
		if value == "" {
			return
		}
		sb.WriteByte(sep)
		sep = '&'
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(value)
	}
	write("mode", o.Mode)
	write("cache", o.Cache)
	write("journal_mode", o.JournalMode)
}

// Store is the SQLite-backed credential store.
type Store struct {
	db           *sql.DB
	file         string
	migrationDir string
}

func Open(file, migrationDir string, option *StoreOption) (*Store, error) {
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(file)
	option.dsn(&dsn)

	db, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &Store{db: db, file: file, migrationDir: migrationDir}, nil
}

func (s *Store) Migrate() error {
	goose.SetBaseFS(os.DirFS(s.migrationDir))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("migrate credential store: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTokens stores the backend-issued token pair, replacing the
// previous one.
func (s *Store) SaveTokens(access, refresh string) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		access, refresh)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

func (s *Store) AccessToken() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT access_token FROM credentials WHERE id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCredentials
	}
	if err != nil {
		return "", fmt.Errorf("read access token: %w", err)
	}
	return token, nil
}

func (s *Store) RefreshToken() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT refresh_token FROM credentials WHERE id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCredentials
	}
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	return token, nil
}

// SaveNickname caches the authenticated user's nickname.
func (s *Store) SaveNickname(nickname string) error {
	_, err := s.db.Exec(`
		INSERT INTO profile (id, nickname, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			nickname = excluded.nickname,
			updated_at = excluded.updated_at`,
		nickname)
	if err != nil {
		return fmt.Errorf("save nickname: %w", err)
	}
	return nil
}

// Nickname returns the authenticated identity. The cached profile wins;
// without one the nickname claim is extracted from the stored token.
func (s *Store) Nickname() (string, error) {
	var nickname string
	err := s.db.QueryRow(`SELECT nickname FROM profile WHERE id = 1`).Scan(&nickname)
	if err == nil {
		return nickname, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read nickname: %w", err)
	}

	token, err := s.AccessToken()
	if err != nil {
		return "", err
	}
	return NicknameFromToken(token)
}

// Clear wipes the stored credentials and profile, e.g. on logout.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM profile`); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	return nil
}
