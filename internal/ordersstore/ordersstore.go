// Package ordersstore is the Postgres adapter for the orders/customers
// schema and the refund_cases table (component C), grounded on
// original_source/db_verification/db.py's connection handling and
// original_source/mcp_processor/processor.py's insert_refund_case, with
// the upgrade-only verification_status guarantee added on top — the
// original's naive ON CONFLICT DO UPDATE has no such guard.
package ordersstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/caseflow/caseflow/internal/caselock"
	"github.com/caseflow/caseflow/internal/caserecord"
)

type Store struct {
	db    *sql.DB
	locks *caselock.KeyedMutex
}

func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ordersstore: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, locks: caselock.New()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// UpsertCase inserts a new refund case or merges fields into an existing
// one keyed by source_message_id. The verification_status column is only
// ever allowed to move PENDING_REVIEW -> VERIFIED (or be set for the
// first time); a retried task that resolves to a *lower* status than
// what's already stored must never downgrade it, so the write is
// serialized per source_message_id and the status column is set with a
// CASE expression rather than a blind overwrite.
func (s *Store) UpsertCase(ctx context.Context, c *caserecord.Case) (uuid.UUID, error) {
	unlock := s.locks.Lock(c.SourceMessageID)
	defer unlock()

	if c.CaseID == uuid.Nil {
		c.CaseID = uuid.New()
	}
	attachments, err := json.Marshal(c.Attachments)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ordersstore: marshal attachments: %w", err)
	}
	metadata := c.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	const q = `
INSERT INTO refund_cases (
	case_id, case_source, source_message_id, received_at, from_email, from_name,
	subject, body, customer_id, order_id, extracted_invoice_number,
	extracted_order_invoice_id, classification, confidence, verification_status,
	verification_notes, attachments, metadata, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now(), now()
)
ON CONFLICT (source_message_id) DO UPDATE SET
	customer_id = COALESCE(EXCLUDED.customer_id, refund_cases.customer_id),
	order_id = COALESCE(EXCLUDED.order_id, refund_cases.order_id),
	extracted_invoice_number = COALESCE(NULLIF(EXCLUDED.extracted_invoice_number, ''), refund_cases.extracted_invoice_number),
	extracted_order_invoice_id = COALESCE(NULLIF(EXCLUDED.extracted_order_invoice_id, ''), refund_cases.extracted_order_invoice_id),
	verification_status = CASE
		WHEN refund_cases.verification_status = 'VERIFIED' THEN refund_cases.verification_status
		ELSE EXCLUDED.verification_status
	END,
	verification_notes = EXCLUDED.verification_notes,
	metadata = EXCLUDED.metadata,
	updated_at = now()
RETURNING case_id`

	var returnedID uuid.UUID
	err = s.db.QueryRowContext(ctx, q,
		c.CaseID, c.CaseSource, c.SourceMessageID, c.ReceivedAt, c.FromEmail, c.FromName,
		c.Subject, c.Body, nullableUUID(c.CustomerID), nullableUUID(c.OrderID),
		c.ExtractedInvoiceNumber, c.ExtractedOrderInvoiceID, c.Classification, c.Confidence,
		c.VerificationStatus, c.VerificationNotes, attachments, metadata,
	).Scan(&returnedID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ordersstore: upsert refund case: %w", err)
	}
	return returnedID, nil
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return *id
}

// Customer mirrors the customers table row the verification tools read.
type Customer struct {
	CustomerID     uuid.UUID `json:"customer_id"`
	CustomerEmail  string    `json:"customer_email"`
	FullName       string    `json:"full_name"`
	Phone          string    `json:"phone,omitempty"`
	MembershipTier string    `json:"membership_tier,omitempty"`
}

// Order mirrors the orders table row.
type Order struct {
	OrderID         uuid.UUID  `json:"order_id"`
	InvoiceNumber   string     `json:"invoice_number"`
	OrderInvoiceID  string     `json:"order_invoice_id"`
	CustomerID      uuid.UUID  `json:"customer_id"`
	OrderDate       *time.Time `json:"order_date,omitempty"`
	Currency        string     `json:"currency"`
	TotalAmount     float64    `json:"total_amount"`
	RefundedAmount  float64    `json:"refunded_amount"`
	OrderState      string     `json:"order_state"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	SellerType      string     `json:"seller_type,omitempty"`
}

// OrderItem mirrors an order_items row.
type OrderItem struct {
	OrderItemID  uuid.UUID `json:"order_item_id"`
	OrderID      uuid.UUID `json:"order_id"`
	SKU          string    `json:"sku"`
	ItemName     string    `json:"item_name"`
	Category     string    `json:"category,omitempty"`
	Subcategory  string    `json:"subcategory,omitempty"`
	Quantity     int       `json:"quantity"`
	UnitPrice    float64   `json:"unit_price"`
	LineTotal    float64   `json:"line_total"`
	RefundedQty  int       `json:"refunded_qty"`
	ReturnedQty  int       `json:"returned_qty"`
}

// DB exposes the underlying *sql.DB, both to the verification tool layer
// (which runs ad-hoc parameterized SELECTs, including the safety-checked
// llm_find_orders path, under a read-only transaction) and to sibling
// schemas sharing this database, such as the history_cursor table
// cursorstore.PostgresStore reads and writes.
func (s *Store) DB() *sql.DB { return s.db }

// ReadOnlyQuery runs query under SET TRANSACTION READ ONLY with the given
// statement timeout, used by the llm_find_orders tool after the generated
// SQL has passed the safety policy (internal/verifyagent/sqlsafety.go).
// Results are fully buffered as column-name -> value maps so the
// read-only transaction can be committed before this function returns.
func (s *Store) ReadOnlyQuery(ctx context.Context, statementTimeout time.Duration, query string, args ...interface{}) ([]map[string]interface{}, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("ordersstore: begin read-only tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("ordersstore: set statement_timeout: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}
