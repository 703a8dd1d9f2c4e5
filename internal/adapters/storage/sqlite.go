package storage

// sqlite.go: persistencia de órdenes y del circuit breaker.
//
// Estrategia:
//   - `orders`: UNA fila por orden (UPSERT) con el snapshot JSON completo y
//     las columnas necesarias para filtrar sin decodificar.
//   - `order_transitions`: log append-only de transiciones, una fila por
//     entrada del historial. Nunca se actualiza ni se borra.
//   - `circuit_breaker`: siempre 1 fila (id=1).

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id       TEXT PRIMARY KEY,
    signal_id      TEXT    NOT NULL,
    strategy       TEXT    NOT NULL,
    ticker         TEXT    NOT NULL,
    side           TEXT    NOT NULL,
    current_state  TEXT    NOT NULL,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    filled_size    REAL    NOT NULL DEFAULT 0,
    avg_fill_price REAL    NOT NULL DEFAULT 0,
    last_error     TEXT    NOT NULL DEFAULT '',
    snapshot       TEXT    NOT NULL,
    created_at     TEXT    NOT NULL,
    updated_at     TEXT    NOT NULL
);

-- Log append-only del historial de cada orden
CREATE TABLE IF NOT EXISTS order_transitions (
    order_id   TEXT    NOT NULL,
    seq        INTEGER NOT NULL,
    from_state TEXT    NOT NULL,
    to_state   TEXT    NOT NULL,
    at         TEXT    NOT NULL,
    reason     TEXT    NOT NULL,
    metadata   TEXT,
    PRIMARY KEY (order_id, seq)
);

CREATE TABLE IF NOT EXISTS circuit_breaker (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    state                TEXT    NOT NULL,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_failure_at      TEXT,
    last_transition_at   TEXT,
    last_reason          TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_orders_state   ON orders(current_state);
CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders(updated_at DESC);
`

// SQLiteStorage implementa ports.OrderStore y ports.BreakerStore usando
// SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// SaveOrder hace upsert del snapshot y agrega al log las transiciones que
// todavía no estaban. Todo en una transacción.
func (s *SQLiteStorage) SaveOrder(ctx context.Context, o domain.OrderLifecycle) error {
	snap, err := domain.MarshalSnapshot(o)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, signal_id, strategy, ticker, side, current_state, retry_count,
			 filled_size, avg_fill_price, last_error, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			current_state  = excluded.current_state,
			retry_count    = excluded.retry_count,
			filled_size    = excluded.filled_size,
			avg_fill_price = excluded.avg_fill_price,
			last_error     = excluded.last_error,
			snapshot       = excluded.snapshot,
			updated_at     = excluded.updated_at
	`,
		o.OrderID, o.SignalID, o.Strategy, o.Ticker, string(o.Side), string(o.CurrentState), o.RetryCount,
		o.FilledSize, o.AvgFillPrice, o.LastError, string(snap),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	); err != nil {
		return fmt.Errorf("storage.SaveOrder: upsert %s: %w", o.OrderID, err)
	}

	var logged int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_transitions WHERE order_id = ?`, o.OrderID,
	).Scan(&logged); err != nil {
		return fmt.Errorf("storage.SaveOrder: count transitions %s: %w", o.OrderID, err)
	}
	if logged > len(o.StateHistory) {
		return fmt.Errorf("storage.SaveOrder: order %s: history shrank from %d to %d entries",
			o.OrderID, logged, len(o.StateHistory))
	}

	if logged < len(o.StateHistory) {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO order_transitions (order_id, seq, from_state, to_state, at, reason, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("storage.SaveOrder: prepare: %w", err)
		}
		defer stmt.Close()

		for seq := logged; seq < len(o.StateHistory); seq++ {
			t := o.StateHistory[seq]
			var meta *string
			if len(t.Metadata) > 0 {
				b, err := json.Marshal(t.Metadata)
				if err != nil {
					return fmt.Errorf("storage.SaveOrder: metadata %s/%d: %w", o.OrderID, seq, err)
				}
				m := string(b)
				meta = &m
			}
			if _, err := stmt.ExecContext(ctx,
				o.OrderID, seq, string(t.From), string(t.To), formatTime(t.At), t.Reason, meta,
			); err != nil {
				return fmt.Errorf("storage.SaveOrder: insert transition %s/%d: %w", o.OrderID, seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveOrder: commit: %w", err)
	}
	return nil
}

// LoadOrder devuelve el snapshot guardado. ports.ErrNotFound si no existe.
func (s *SQLiteStorage) LoadOrder(ctx context.Context, orderID string) (domain.OrderLifecycle, error) {
	var snap string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM orders WHERE order_id = ?`, orderID).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderLifecycle{}, fmt.Errorf("storage.LoadOrder: %s: %w", orderID, ports.ErrNotFound)
	}
	if err != nil {
		return domain.OrderLifecycle{}, fmt.Errorf("storage.LoadOrder: %s: %w", orderID, err)
	}
	o, err := domain.UnmarshalSnapshot([]byte(snap))
	if err != nil {
		return domain.OrderLifecycle{}, fmt.Errorf("storage.LoadOrder: %w", err)
	}
	return o, nil
}

// ListOrdersByState devuelve las órdenes en los estados dados, las más
// antiguas primero.
func (s *SQLiteStorage) ListOrdersByState(ctx context.Context, states ...domain.OrderState) ([]domain.OrderLifecycle, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	q := `SELECT snapshot FROM orders WHERE current_state IN (?` +
		strings.Repeat(", ?", len(states)-1) + `) ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOrdersByState: query: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderLifecycle
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, fmt.Errorf("storage.ListOrdersByState: scan row: %w", err)
		}
		o, err := domain.UnmarshalSnapshot([]byte(snap))
		if err != nil {
			return nil, fmt.Errorf("storage.ListOrdersByState: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListTransitions lee el log append-only de una orden en orden de secuencia.
func (s *SQLiteStorage) ListTransitions(ctx context.Context, orderID string) ([]domain.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_state, to_state, at, reason, metadata
		FROM order_transitions
		WHERE order_id = ?
		ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListTransitions: query: %w", err)
	}
	defer rows.Close()

	var out []domain.StateTransition
	for rows.Next() {
		var (
			t        domain.StateTransition
			from, to string
			at       string
			meta     sql.NullString
		)
		if err := rows.Scan(&from, &to, &at, &t.Reason, &meta); err != nil {
			return nil, fmt.Errorf("storage.ListTransitions: scan row: %w", err)
		}
		t.From, t.To = domain.OrderState(from), domain.OrderState(to)
		t.At = parseTime(at)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("storage.ListTransitions: metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveBreaker persiste el estado actual del circuit breaker.
func (s *SQLiteStorage) SaveBreaker(ctx context.Context, st domain.CircuitBreakerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker
			(id, state, consecutive_failures, last_failure_at, last_transition_at, last_reason)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state                = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			last_failure_at      = excluded.last_failure_at,
			last_transition_at   = excluded.last_transition_at,
			last_reason          = excluded.last_reason
	`,
		string(st.State), st.ConsecutiveFailures,
		nullTime(st.LastFailureAt), nullTime(st.LastTransitionAt), st.LastReason,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveBreaker: %w", err)
	}
	return nil
}

// LoadBreaker carga el estado persistido. ports.ErrNotFound si nunca se guardó.
func (s *SQLiteStorage) LoadBreaker(ctx context.Context) (domain.CircuitBreakerState, error) {
	var (
		st                  domain.CircuitBreakerState
		state               string
		lastFail, lastTrans sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, consecutive_failures, last_failure_at, last_transition_at, last_reason
		FROM circuit_breaker WHERE id = 1
	`).Scan(&state, &st.ConsecutiveFailures, &lastFail, &lastTrans, &st.LastReason)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("storage.LoadBreaker: %w", ports.ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("storage.LoadBreaker: %w", err)
	}
	st.State = domain.BreakerState(state)
	if lastFail.Valid {
		st.LastFailureAt = parseTime(lastFail.String)
	}
	if lastTrans.Valid {
		st.LastTransitionAt = parseTime(lastTrans.String)
	}
	return st, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := formatTime(t)
	return &v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
