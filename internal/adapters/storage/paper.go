package storage

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

const paperSchema = `
CREATE TABLE IF NOT EXISTS paper_fills (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id    TEXT NOT NULL,
    ticker      TEXT NOT NULL,
    side        TEXT NOT NULL,
    price       REAL NOT NULL,
    size        REAL NOT NULL,
    timestamp   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_paper_fills_order ON paper_fills(order_id);
`

// ApplyPaperSchema crea la tabla del ledger de paper trading si no existe.
func (s *SQLiteStorage) ApplyPaperSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, paperSchema); err != nil {
		return fmt.Errorf("storage.ApplyPaperSchema: %w", err)
	}
	return nil
}

// RecordFill registra un fill simulado. Implementa ports.PositionLedger.
func (s *SQLiteStorage) RecordFill(ctx context.Context, f domain.LedgerFill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_fills (order_id, ticker, side, price, size, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Ticker, string(f.Side), f.Price, f.Size, formatTime(f.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordFill: %w", err)
	}
	return nil
}

// Position devuelve el tamaño total registrado para la orden (0 si no hay fills).
func (s *SQLiteStorage) Position(ctx context.Context, orderID string) (float64, error) {
	var size float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM paper_fills WHERE order_id = ?`, orderID,
	).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("storage.Position: %s: %w", orderID, err)
	}
	return size, nil
}

// ListFills devuelve los fills de una orden en orden de inserción.
func (s *SQLiteStorage) ListFills(ctx context.Context, orderID string) ([]domain.LedgerFill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, ticker, side, price, size, timestamp
		FROM paper_fills WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListFills: query: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerFill
	for rows.Next() {
		var (
			f        domain.LedgerFill
			side, ts string
		)
		if err := rows.Scan(&f.OrderID, &f.Ticker, &side, &f.Price, &f.Size, &ts); err != nil {
			return nil, fmt.Errorf("storage.ListFills: scan row: %w", err)
		}
		f.Side = domain.Side(side)
		f.Timestamp = parseTime(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}
