package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Jobhost/internal/domain"
)

const hostColumns = `id, name, address, host_group, capacity, current_load, priority, is_available`

// HostRepo — Host Directory поверх PostgreSQL.
//
// Счётчик current_load меняется только условными UPDATE,
// поэтому несколько процессов оркестратора не могут вывести его
// за пределы 0..capacity.
type HostRepo struct {
	pool *pgxpool.Pool
}

// NewHostRepo создаёт новый HostRepo.
func NewHostRepo(pool *pgxpool.Pool) *HostRepo {
	return &HostRepo{pool: pool}
}

// Upsert создаёт host или обновляет его описание (current_load не трогается).
func (r *HostRepo) Upsert(ctx context.Context, host *domain.Host) error {
	query := `
		INSERT INTO hosts (id, name, address, host_group, capacity, priority, is_available)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, address = EXCLUDED.address, host_group = EXCLUDED.host_group,
		    capacity = EXCLUDED.capacity, priority = EXCLUDED.priority,
		    is_available = EXCLUDED.is_available
	`
	_, err := r.pool.Exec(ctx, query,
		host.ID,
		nullString(host.Name),
		nullString(host.Address),
		nullString(host.Group),
		host.Capacity,
		host.Priority,
		host.IsAvailable,
	)
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

// Get возвращает host по ID.
func (r *HostRepo) Get(ctx context.Context, id string) (*domain.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE id = $1`
	return scanHost(r.pool.QueryRow(ctx, query, id))
}

// List возвращает все hosts.
func (r *HostRepo) List(ctx context.Context) ([]domain.Host, error) {
	return r.queryHosts(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY id`)
}

// ListAvailable возвращает доступные hosts.
func (r *HostRepo) ListAvailable(ctx context.Context) ([]domain.Host, error) {
	return r.queryHosts(ctx, `SELECT `+hostColumns+` FROM hosts WHERE is_available ORDER BY id`)
}

// SetAvailable меняет флаг доступности host.
func (r *HostRepo) SetAvailable(ctx context.Context, id string, available bool) error {
	result, err := r.pool.Exec(ctx, `UPDATE hosts SET is_available = $2 WHERE id = $1`, id, available)
	if err != nil {
		return fmt.Errorf("set host availability: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementLoad увеличивает current_load, если host доступен и не загружен.
// Возвращает ErrCapacityExceeded, если места нет.
func (r *HostRepo) IncrementLoad(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE hosts SET current_load = current_load + 1
		WHERE id = $1 AND is_available AND current_load < capacity
	`, id)
	if err != nil {
		return fmt.Errorf("increment host load: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrCapacityExceeded, id)
}

// DecrementLoad уменьшает current_load. Значение не опускается ниже нуля.
func (r *HostRepo) DecrementLoad(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE hosts SET current_load = current_load - 1
		WHERE id = $1 AND current_load > 0
	`, id)
	if err != nil {
		return fmt.Errorf("decrement host load: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrHostIdle, id)
}

// --- Helpers ---

func (r *HostRepo) queryHosts(ctx context.Context, query string, args ...any) ([]domain.Host, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []domain.Host
	for rows.Next() {
		host, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *host)
	}
	return hosts, rows.Err()
}

func scanHost(row pgx.Row) (*domain.Host, error) {
	var host domain.Host
	var name, address, group *string

	err := row.Scan(
		&host.ID,
		&name,
		&address,
		&group,
		&host.Capacity,
		&host.CurrentLoad,
		&host.Priority,
		&host.IsAvailable,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan host: %w", err)
	}

	host.Name = deref(name)
	host.Address = deref(address)
	host.Group = deref(group)
	return &host, nil
}
