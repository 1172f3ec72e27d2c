package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/felipepmaragno/seo-llm-proxy/internal/crypto"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id            TEXT PRIMARY KEY,
	tier               TEXT NOT NULL DEFAULT 'free',
	stripe_customer_id TEXT,
	preferred_hosting  TEXT NOT NULL DEFAULT '',
	preferred_provider TEXT NOT NULL DEFAULT '',
	base_url           TEXT NOT NULL DEFAULT '',
	api_keys           JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS profiles_stripe_customer_idx
	ON profiles (stripe_customer_id) WHERE stripe_customer_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS usage_records (
	id                UUID PRIMARY KEY,
	user_id           TEXT NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	estimated         BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS usage_records_user_created_idx
	ON usage_records (user_id, created_at);
`

// Open connects to Postgres and sizes the pool.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	return db, nil
}

// Migrate creates the profiles and usage_records tables when missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// sealedKeys is the api_keys jsonb column: provider name to AES-GCM ciphertext.
type sealedKeys map[string]string

func (k sealedKeys) Value() (driver.Value, error) {
	if len(k) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(k)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (k *sealedKeys) Scan(value any) error {
	if value == nil {
		*k = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("api_keys: expected []byte, got %T", value)
	}
	if len(b) == 0 {
		*k = nil
		return nil
	}
	return json.Unmarshal(b, k)
}

type profileRow struct {
	UserID            string         `db:"user_id"`
	Tier              string         `db:"tier"`
	StripeCustomerID  sql.NullString `db:"stripe_customer_id"`
	PreferredHosting  string         `db:"preferred_hosting"`
	PreferredProvider string         `db:"preferred_provider"`
	BaseURL           string         `db:"base_url"`
	APIKeys           sealedKeys     `db:"api_keys"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

const profileColumns = `user_id, tier, stripe_customer_id, preferred_hosting, preferred_provider,
	base_url, api_keys, created_at, updated_at`

// PostgresProfileRepository stores profiles. Provider keys are sealed with enc before
// they reach the database; without an encryptor they are never persisted.
type PostgresProfileRepository struct {
	db  *sqlx.DB
	enc *crypto.Encryptor
}

func NewPostgresProfileRepository(db *sqlx.DB, enc *crypto.Encryptor) *PostgresProfileRepository {
	return &PostgresProfileRepository{db: db, enc: enc}
}

func (r *PostgresProfileRepository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	return r.get(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
}

func (r *PostgresProfileRepository) GetByStripeCustomer(ctx context.Context, customerID string) (*domain.Profile, error) {
	return r.get(ctx, `SELECT `+profileColumns+` FROM profiles WHERE stripe_customer_id = $1`, customerID)
}

func (r *PostgresProfileRepository) get(ctx context.Context, query string, arg string) (*domain.Profile, error) {
	var row profileRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}

	profile := &domain.Profile{
		UserID:           row.UserID,
		Tier:             domain.ParseTier(row.Tier),
		StripeCustomerID: row.StripeCustomerID.String,
		Preferences: domain.Preferences{
			PreferredHosting:  domain.Hosting(row.PreferredHosting),
			PreferredProvider: domain.Provider(row.PreferredProvider),
			BaseURL:           row.BaseURL,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}

	if r.enc != nil && len(row.APIKeys) > 0 {
		keys, err := r.enc.DecryptKeys(row.APIKeys)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", row.UserID, err)
		}
		profile.Preferences.APIKeys = keys
	}

	return profile, nil
}

func (r *PostgresProfileRepository) UpsertProfile(ctx context.Context, profile *domain.Profile) error {
	var keys sealedKeys
	if r.enc != nil && len(profile.Preferences.APIKeys) > 0 {
		sealed, err := r.enc.EncryptKeys(profile.Preferences.APIKeys)
		if err != nil {
			return err
		}
		keys = sealed
	}

	tier := profile.Tier
	if !tier.Valid() {
		tier = domain.TierFree
	}

	query := `
		INSERT INTO profiles (user_id, tier, stripe_customer_id, preferred_hosting, preferred_provider,
		                      base_url, api_keys, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET tier = EXCLUDED.tier,
		    stripe_customer_id = EXCLUDED.stripe_customer_id,
		    preferred_hosting = EXCLUDED.preferred_hosting,
		    preferred_provider = EXCLUDED.preferred_provider,
		    base_url = EXCLUDED.base_url,
		    api_keys = EXCLUDED.api_keys,
		    updated_at = now()
	`

	_, err := r.db.ExecContext(ctx, query,
		profile.UserID,
		string(tier),
		sql.NullString{String: profile.StripeCustomerID, Valid: profile.StripeCustomerID != ""},
		string(profile.Preferences.PreferredHosting),
		string(profile.Preferences.PreferredProvider),
		profile.Preferences.BaseURL,
		keys,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (r *PostgresProfileRepository) SetTier(ctx context.Context, userID string, tier domain.Tier) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET tier = $2, updated_at = now() WHERE user_id = $1`,
		userID, string(tier),
	)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrProfileNotFound
	}
	return nil
}
