package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "embed"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"stakebot/internal/order"
	logx "stakebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(path string, busyTimeout time.Duration, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL allows one writer; a single connection sidesteps SQLITE_BUSY churn
	// between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const orderColumns = `id, owner_id, target_id, side, amount_per_run, total_budget, total_spent, frequency_min, next_run_at, active, created_at, version`

func (s *sqliteStore) CreateOrder(ctx context.Context, o *order.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OwnerID, o.TargetID, string(o.Side),
		o.AmountPerRun.String(), o.TotalBudget.String(), o.TotalSpent.String(),
		int64(o.Frequency/time.Minute),
		encodeTime(o.NextRunAt), boolToInt(o.Active), encodeTime(o.CreatedAt), o.Version,
	)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *sqliteStore) ListOrders(ctx context.Context, ownerID int64) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE active = 1 AND next_run_at <= ? ORDER BY next_run_at`,
		encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *sqliteStore) CancelOrder(ctx context.Context, id string, ownerID int64) error {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM orders WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if owner != ownerID {
		return ErrNotOwner
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE orders SET active = 0, version = version + 1 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

func (s *sqliteStore) ApplySettlement(ctx context.Context, st Settlement) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders
		    SET total_spent = ?, active = ?, next_run_at = ?, version = version + 1
		  WHERE id = ? AND version = ?`,
		st.TotalSpent.String(), boolToInt(st.Active), encodeTime(st.NextRunAt),
		st.OrderID, st.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("apply settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply settlement: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = ?`, st.OrderID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) AppendExecution(ctx context.Context, rec order.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, order_id, at, amount, success, tx_id, error, terminal)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrderID, encodeTime(rec.At), rec.Amount.String(),
		boolToInt(rec.Success), rec.TxID, rec.Error, boolToInt(rec.Terminal),
	)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, orderID string, limit int) ([]order.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, at, amount, success, tx_id, error, terminal
		   FROM executions WHERE order_id = ? ORDER BY at DESC LIMIT ?`,
		orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []order.ExecutionRecord
	for rows.Next() {
		var (
			rec                         order.ExecutionRecord
			at, amount                  string
			success, terminal           int
		)
		if err := rows.Scan(&rec.ID, &rec.OrderID, &at, &amount, &success, &rec.TxID, &rec.Error, &terminal); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if rec.At, err = decodeTime(at); err != nil {
			return nil, err
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("decode amount: %w", err)
		}
		rec.Success = success != 0
		rec.Terminal = terminal != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o                              order.Order
		side                           string
		amountPerRun, budget, spent    string
		freqMin                        int64
		nextRunAt, createdAt           string
		active                         int
	)
	err := row.Scan(&o.ID, &o.OwnerID, &o.TargetID, &side,
		&amountPerRun, &budget, &spent, &freqMin, &nextRunAt, &active, &createdAt, &o.Version)
	if err != nil {
		return nil, err
	}
	o.Side = order.Side(side)
	if o.AmountPerRun, err = decimal.NewFromString(amountPerRun); err != nil {
		return nil, fmt.Errorf("decode amount_per_run: %w", err)
	}
	if o.TotalBudget, err = decimal.NewFromString(budget); err != nil {
		return nil, fmt.Errorf("decode total_budget: %w", err)
	}
	if o.TotalSpent, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("decode total_spent: %w", err)
	}
	o.Frequency = time.Duration(freqMin) * time.Minute
	if o.NextRunAt, err = decodeTime(nextRunAt); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	o.Active = active != 0
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]*order.Order, error) {
	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// sqliteTimeFormat is fixed-width so string comparison in SQL matches time
// ordering. RFC3339Nano trims trailing zeros, which breaks that.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string { return t.UTC().Format(sqliteTimeFormat) }

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
