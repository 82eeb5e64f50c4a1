package report

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresConfig holds the PostgreSQL connection configuration.
type PostgresConfig struct {
	Logger   *slog.Logger
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
	MaxConns int32
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.Database == "" {
		return errors.New("database name is required")
	}
	if cfg.Username == "" {
		return errors.New("database username is required")
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	return nil
}

func (cfg *PostgresConfig) connString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, log *slog.Logger, cfg PostgresConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := sql.Open("pgx", cfg.connString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("report/postgres: running migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("report/postgres: migrations completed")
	return nil
}

// PostgresStore persists reports in PostgreSQL via pgx.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{log: cfg.Logger, pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const reportColumns = `
	id, reporter_address, pool_address, pool_name, block_height,
	evidence_kind, transaction_ids, block_hash, description, created_at,
	status, bounty_sats, settlement_txid, verified_by, verified_at`

func scanReport(row pgx.Row) (*Report, error) {
	var r Report
	var poolName, blockHash, description, settlementTxid, verifiedBy sql.NullString
	err := row.Scan(
		&r.ID, &r.ReporterAddress, &r.PoolAddress, &poolName, &r.BlockHeight,
		&r.EvidenceKind, &r.TransactionIDs, &blockHash, &description, &r.CreatedAt,
		&r.Status, &r.BountySats, &settlementTxid, &verifiedBy, &r.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}
	r.PoolName = poolName.String
	r.BlockHash = blockHash.String
	r.Description = description.String
	r.SettlementTxid = settlementTxid.String
	r.VerifiedBy = verifiedBy.String
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

func (s *PostgresStore) Put(ctx context.Context, r *Report) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			pool_name = EXCLUDED.pool_name,
			block_hash = EXCLUDED.block_hash,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			bounty_sats = EXCLUDED.bounty_sats,
			settlement_txid = EXCLUDED.settlement_txid,
			verified_by = EXCLUDED.verified_by,
			verified_at = EXCLUDED.verified_at`,
		r.ID, r.ReporterAddress, r.PoolAddress, nullable(r.PoolName), r.BlockHeight,
		r.EvidenceKind, r.TransactionIDs, nullable(r.BlockHash), nullable(r.Description), r.CreatedAt,
		r.Status, r.BountySats, nullable(r.SettlementTxid), nullable(r.VerifiedBy), r.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert report: %w", err)
	}
	return nil
}

// Update applies the mutator inside a transaction with the row locked, so
// concurrent validation and settlement cannot clobber each other's writes.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, mutate func(*Report) error) (*Report, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1 FOR UPDATE`, id)
	r, err := scanReport(row)
	if err != nil {
		return nil, err
	}

	if err := mutate(r); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE reports SET
			pool_name = $2, block_hash = $3, description = $4, status = $5,
			bounty_sats = $6, settlement_txid = $7, verified_by = $8, verified_at = $9
		WHERE id = $1`,
		r.ID, nullable(r.PoolName), nullable(r.BlockHash), nullable(r.Description), r.Status,
		r.BountySats, nullable(r.SettlementTxid), nullable(r.VerifiedBy), r.VerifiedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update report: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	// The status guard in the WHERE clause is the deletion-immunity rule
	// for verified reports; distinguish the two miss cases afterwards.
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1 AND status <> $2`, id, StatusVerified)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err == nil {
			return ErrVerifiedImmutable
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND evidence_kind = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, evidence_kind, COUNT(*), COALESCE(SUM(bounty_sats), 0)
		FROM reports GROUP BY status, evidence_kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		ByStatus: make(map[Status]int),
		ByKind:   make(map[EvidenceKind]int),
	}
	for rows.Next() {
		var status Status
		var kind EvidenceKind
		var count int
		var bounty int64
		if err := rows.Scan(&status, &kind, &count, &bounty); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByKind[kind] += count
		stats.TotalBountySats += bounty
	}
	return stats, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
