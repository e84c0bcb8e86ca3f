package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/storage"
	"github.com/iterate-ops/machines/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := migrations.Up(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// CreateMachine creates a new machine record.
func (r *Repository) CreateMachine(ctx context.Context, m storage.MachineRecord) error {
	metadata, err := model.EncodeMetadata(m.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO machines (external_id, name, type, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		m.ExternalID,
		m.Name,
		string(m.Type),
		string(metadata),
		m.CreatedAt.Unix(),
		m.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("machine %s: %w", m.ExternalID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert machine: %w", err)
	}

	r.logger.Debugf("Created machine record %s", m.ExternalID)

	return nil
}

// GetMachine retrieves a machine record by external ID.
func (r *Repository) GetMachine(ctx context.Context, externalID string) (*storage.MachineRecord, error) {
	query := `
		SELECT external_id, name, type, metadata, created_at, updated_at
		FROM machines WHERE external_id = ?
	`

	row := r.db.QueryRowContext(ctx, query, externalID)
	m, err := scanMachine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("machine %s: %w", externalID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not get machine: %w", err)
	}

	return m, nil
}

// ListMachines returns all machine records, ordered by external ID.
func (r *Repository) ListMachines(ctx context.Context) ([]storage.MachineRecord, error) {
	query := `
		SELECT external_id, name, type, metadata, created_at, updated_at
		FROM machines ORDER BY external_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not list machines: %w", err)
	}
	defer rows.Close()

	machines := []storage.MachineRecord{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan machine: %w", err)
		}
		machines = append(machines, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate machines: %w", err)
	}

	return machines, nil
}

// UpdateMachine replaces an existing machine record.
func (r *Repository) UpdateMachine(ctx context.Context, m storage.MachineRecord) error {
	metadata, err := model.EncodeMetadata(m.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE machines SET name = ?, type = ?, metadata = ?, updated_at = ?
		WHERE external_id = ?
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		m.Name,
		string(m.Type),
		string(metadata),
		m.UpdatedAt.Unix(),
		m.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("could not update machine: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("machine %s: %w", m.ExternalID, model.ErrNotFound)
	}

	r.logger.Debugf("Updated machine record %s", m.ExternalID)

	return nil
}

// DeleteMachine removes a machine record.
func (r *Repository) DeleteMachine(ctx context.Context, externalID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM machines WHERE external_id = ?`, externalID)
	if err != nil {
		return fmt.Errorf("could not delete machine: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not check delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("machine %s: %w", externalID, model.ErrNotFound)
	}

	r.logger.Debugf("Deleted machine record %s", externalID)

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (*storage.MachineRecord, error) {
	var (
		m         storage.MachineRecord
		typeRaw   string
		metadata  string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&m.ExternalID, &m.Name, &typeRaw, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	decoded, err := model.DecodeMetadata([]byte(metadata))
	if err != nil {
		return nil, fmt.Errorf("invalid stored metadata: %w", err)
	}

	m.Type = model.ProviderType(typeRaw)
	m.Metadata = *decoded
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &m, nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
