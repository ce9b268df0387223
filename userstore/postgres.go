package userstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore/migrations"
)

const uniqueViolation = "23505"

const userColumns = `id, actor_class, email, username, service_id, hashed_password,
	is_active, is_banned, is_suspended, totp_state, totp_secret, totp_backup_codes,
	last_login, created_at`

var identifierWhere = map[session.ActorClass]string{
	session.ActorUser:    `lower(email) = $2`,
	session.ActorService: `lower(service_id) = $2`,
	session.ActorAdmin:   `(lower(username) = $2 OR lower(email) = $2 OR id = $2)`,
}

type userRow struct {
	ID              string         `db:"id"`
	ActorClass      string         `db:"actor_class"`
	Email           sql.NullString `db:"email"`
	Username        sql.NullString `db:"username"`
	ServiceID       sql.NullString `db:"service_id"`
	HashedPassword  string         `db:"hashed_password"`
	IsActive        bool           `db:"is_active"`
	IsBanned        bool           `db:"is_banned"`
	IsSuspended     bool           `db:"is_suspended"`
	TOTPState       string         `db:"totp_state"`
	TOTPSecret      sql.NullString `db:"totp_secret"`
	TOTPBackupCodes string         `db:"totp_backup_codes"`
	LastLogin       sql.NullTime   `db:"last_login"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r *userRow) user() (*User, error) {
	codes, err := decodeCodes(r.TOTPBackupCodes)
	if err != nil {
		return nil, err
	}
	tf, err := RestoreTwoFactor(r.TOTPState, r.TOTPSecret.String, codes)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:           r.ID,
		ActorClass:   session.ActorClass(r.ActorClass),
		Email:        r.Email.String,
		Username:     r.Username.String,
		ServiceID:    r.ServiceID.String,
		PasswordHash: r.HashedPassword,
		IsActive:     r.IsActive,
		IsBanned:     r.IsBanned,
		IsSuspended:  r.IsSuspended,
		TwoFactor:    tf,
		LastLogin:    r.LastLogin.Time,
		CreatedAt:    r.CreatedAt,
	}, nil
}

func decodeCodes(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return nil, fmt.Errorf("userstore: decode backup codes: %w", err)
	}
	return codes, nil
}

func encodeCodes(codes []string) string {
	if len(codes) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(codes)
	return string(b)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Postgres is the sqlx-backed store.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "pgx")}
}

// OpenPostgres connects with the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userstore: ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle, used by migrations.
func (p *Postgres) DB() *sql.DB { return p.db.DB }

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUp(ctx, db, ".")
}

func (p *Postgres) getOne(ctx context.Context, query string, args ...any) (*User, error) {
	var row userRow
	if err := p.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userstore: db error: %w", err)
	}
	return row.user()
}

func (p *Postgres) FindByIdentifier(ctx context.Context, actor session.ActorClass, identifier string) (*User, error) {
	where, ok := identifierWhere[actor]
	ident := NormalizeIdentifier(identifier)
	if !ok || ident == "" {
		return nil, ErrNotFound
	}
	q := `SELECT ` + userColumns + ` FROM auth_users WHERE actor_class = $1 AND ` + where + ` LIMIT 1`
	return p.getOne(ctx, q, string(actor), ident)
}

func (p *Postgres) GetByID(ctx context.Context, id string) (*User, error) {
	return p.getOne(ctx, `SELECT `+userColumns+` FROM auth_users WHERE id = $1`, id)
}

func (p *Postgres) Create(ctx context.Context, u *User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO auth_users
		(id, actor_class, email, username, service_id, hashed_password, is_active, is_banned, is_suspended,
		 totp_state, totp_secret, totp_backup_codes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, string(u.ActorClass), nullString(u.Email), nullString(u.Username), nullString(u.ServiceID),
		u.PasswordHash, u.IsActive, u.IsBanned, u.IsSuspended,
		u.TwoFactor.State().String(), nullString(u.TwoFactor.Secret()), encodeCodes(u.TwoFactor.BackupCodes()), created)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("userstore: db error: %w", err)
	}
	return nil
}

func (p *Postgres) exec(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("userstore: db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("userstore: db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return p.exec(ctx, `UPDATE auth_users SET hashed_password = $2, updated_at = NOW() WHERE id = $1`, id, hash)
}

func (p *Postgres) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `UPDATE auth_users SET last_login = $2 WHERE id = $1`, id, at)
}

func (p *Postgres) SetTwoFactor(ctx context.Context, id string, tf TwoFactor) error {
	return p.exec(ctx, `UPDATE auth_users SET totp_state = $2, totp_secret = $3, totp_backup_codes = $4, updated_at = NOW() WHERE id = $1`,
		id, tf.State().String(), nullString(tf.Secret()), encodeCodes(tf.BackupCodes()))
}

// SetStatus changes the account flags.
func (p *Postgres) SetStatus(ctx context.Context, id string, active, banned, suspended bool) error {
	return p.exec(ctx, `UPDATE auth_users SET is_active = $2, is_banned = $3, is_suspended = $4, updated_at = NOW() WHERE id = $1`,
		id, active, banned, suspended)
}

// ConsumeBackupCode locks the row, removes the hash, and commits.
func (p *Postgres) ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("userstore: db error: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.GetContext(ctx, &raw, `SELECT totp_backup_codes FROM auth_users WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("userstore: db error: %w", err)
	}
	codes, err := decodeCodes(raw)
	if err != nil {
		return false, err
	}
	idx := -1
	for i, h := range codes {
		if h == codeHash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	codes = append(codes[:idx], codes[idx+1:]...)
	if _, err := tx.ExecContext(ctx, `UPDATE auth_users SET totp_backup_codes = $2, updated_at = NOW() WHERE id = $1`, id, encodeCodes(codes)); err != nil {
		return false, fmt.Errorf("userstore: db error: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("userstore: db error: %w", err)
	}
	return true, nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }
