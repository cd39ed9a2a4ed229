package ordersstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// FindCustomerByEmail implements verify_from_email_matches_customer: a
// case-insensitive exact match, matching the original's
// `.ilike(Customer.customer_email, from_email)` lookup.
func (s *Store) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	const q = `SELECT customer_id, customer_email, full_name, phone, membership_tier
		FROM customers WHERE lower(customer_email) = lower($1) LIMIT 1`
	var c Customer
	err := s.db.QueryRowContext(ctx, q, email).Scan(&c.CustomerID, &c.CustomerEmail, &c.FullName, &c.Phone, &c.MembershipTier)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ordersstore: find customer by email: %w", err)
	}
	return &c, nil
}

// FindOrderByOrderInvoiceID implements find_order_by_order_invoice_id: the
// order is cross-checked against the verification email so a matching
// order_invoice_id on a *different* customer's order is reported as a
// fraud_alert rather than silently matched.
func (s *Store) FindOrderByOrderInvoiceID(ctx context.Context, orderInvoiceID, verificationEmail string) (*Order, string, error) {
	return s.findOrderByIdentifier(ctx, "order_invoice_id", orderInvoiceID, verificationEmail)
}

// FindOrderByInvoiceNumber implements find_order_by_invoice_number,
// analogous to FindOrderByOrderInvoiceID.
func (s *Store) FindOrderByInvoiceNumber(ctx context.Context, invoiceNumber, verificationEmail string) (*Order, string, error) {
	return s.findOrderByIdentifier(ctx, "invoice_number", invoiceNumber, verificationEmail)
}

// findOrderByIdentifier returns (order, errorCode, err). errorCode is
// "fraud_alert" when the order exists but belongs to a different
// customer, "" on a clean hit.
func (s *Store) findOrderByIdentifier(ctx context.Context, column, value, verificationEmail string) (*Order, string, error) {
	q := fmt.Sprintf(`SELECT o.order_id, o.invoice_number, o.order_invoice_id, o.customer_id,
		o.order_date, o.currency, o.total_amount, o.refunded_amount, o.order_state,
		o.delivered_at, o.seller_type, c.customer_email
		FROM orders o JOIN customers c ON c.customer_id = o.customer_id
		WHERE o.%s = $1 LIMIT 1`, column)

	var o Order
	var customerEmail string
	err := s.db.QueryRowContext(ctx, q, value).Scan(
		&o.OrderID, &o.InvoiceNumber, &o.OrderInvoiceID, &o.CustomerID,
		&o.OrderDate, &o.Currency, &o.TotalAmount, &o.RefundedAmount, &o.OrderState,
		&o.DeliveredAt, &o.SellerType, &customerEmail,
	)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("ordersstore: find order by %s: %w", column, err)
	}
	if !strings.EqualFold(customerEmail, verificationEmail) {
		return nil, "fraud_alert", nil
	}
	return &o, "", nil
}

// CustomerOrdersResult is the shaped reply for get_customer_orders_with_items.
type CustomerOrdersResult struct {
	Customer        *Customer        `json:"customer,omitempty"`
	Orders          []OrderWithItems `json:"orders"`
	OrdersTruncated bool             `json:"orders_truncated"`
	ItemsTruncated  bool             `json:"items_truncated"`
}

type OrderWithItems struct {
	Order
	Items []OrderItem `json:"items"`
}

// GetCustomerOrdersWithItems implements get_customer_orders_with_items,
// including the max_orders/max_items_per_order clamps of §4.P.
func (s *Store) GetCustomerOrdersWithItems(ctx context.Context, customerEmail string, maxOrders, maxItemsPerOrder int) (*CustomerOrdersResult, error) {
	if maxOrders <= 0 || maxOrders > 200 {
		maxOrders = 50
	}
	if maxItemsPerOrder <= 0 || maxItemsPerOrder > 500 {
		maxItemsPerOrder = 50
	}

	customer, err := s.FindCustomerByEmail(ctx, customerEmail)
	if err != nil {
		return nil, err
	}
	result := &CustomerOrdersResult{Customer: customer}
	if customer == nil {
		return result, nil
	}

	const orderQ = `SELECT order_id, invoice_number, order_invoice_id, customer_id,
		order_date, currency, total_amount, refunded_amount, order_state, delivered_at, seller_type
		FROM orders WHERE customer_id = $1 ORDER BY order_date DESC NULLS LAST LIMIT $2`
	rows, err := s.db.QueryContext(ctx, orderQ, customer.CustomerID, maxOrders+1)
	if err != nil {
		return nil, fmt.Errorf("ordersstore: list customer orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.OrderID, &o.InvoiceNumber, &o.OrderInvoiceID, &o.CustomerID,
			&o.OrderDate, &o.Currency, &o.TotalAmount, &o.RefundedAmount, &o.OrderState,
			&o.DeliveredAt, &o.SellerType); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) > maxOrders {
		result.OrdersTruncated = true
		orders = orders[:maxOrders]
	}

	for _, o := range orders {
		items, truncated, err := s.listOrderItems(ctx, o.OrderID, maxItemsPerOrder)
		if err != nil {
			return nil, err
		}
		if truncated {
			result.ItemsTruncated = true
		}
		result.Orders = append(result.Orders, OrderWithItems{Order: o, Items: items})
	}
	return result, nil
}

// ListOrdersByCustomerEmail implements the list_orders_by_customer_email
// diagnostic tool: a case-insensitive order history lookup by email,
// clamped to 1..100 with a default of 20, matching
// original_source/db_verification/db_verification_server.py.
func (s *Store) ListOrdersByCustomerEmail(ctx context.Context, customerEmail string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	const q = `SELECT o.order_id, o.invoice_number, o.order_invoice_id, o.customer_id,
		o.order_date, o.currency, o.total_amount, o.refunded_amount, o.order_state,
		o.delivered_at, o.seller_type
		FROM customers c JOIN orders o ON o.customer_id = c.customer_id
		WHERE lower(c.customer_email) = lower($1)
		ORDER BY o.order_date DESC NULLS LAST, o.created_at DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, customerEmail, limit)
	if err != nil {
		return nil, fmt.Errorf("ordersstore: list orders by customer email: %w", err)
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.OrderID, &o.InvoiceNumber, &o.OrderInvoiceID, &o.CustomerID,
			&o.OrderDate, &o.Currency, &o.TotalAmount, &o.RefundedAmount, &o.OrderState,
			&o.DeliveredAt, &o.SellerType); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOrderItemsByOrderInvoiceID implements list_order_items_by_order_invoice_id.
func (s *Store) ListOrderItemsByOrderInvoiceID(ctx context.Context, orderInvoiceID string, limit int) ([]OrderItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	const q = `SELECT oi.order_item_id, oi.order_id, oi.sku, oi.item_name, oi.category,
		oi.subcategory, oi.quantity, oi.unit_price, oi.line_total, oi.refunded_qty, oi.returned_qty
		FROM order_items oi JOIN orders o ON o.order_id = oi.order_id
		WHERE o.order_invoice_id = $1 LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, orderInvoiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("ordersstore: list order items: %w", err)
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.OrderItemID, &it.OrderID, &it.SKU, &it.ItemName, &it.Category,
			&it.Subcategory, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.RefundedQty, &it.ReturnedQty); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) listOrderItems(ctx context.Context, orderID interface{}, limit int) ([]OrderItem, bool, error) {
	const q = `SELECT order_item_id, order_id, sku, item_name, category, subcategory,
		quantity, unit_price, line_total, refunded_qty, returned_qty
		FROM order_items WHERE order_id = $1 LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, orderID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("ordersstore: list order items for order: %w", err)
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.OrderItemID, &it.OrderID, &it.SKU, &it.ItemName, &it.Category,
			&it.Subcategory, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.RefundedQty, &it.ReturnedQty); err != nil {
			return nil, false, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	truncated := len(items) > limit
	if truncated {
		items = items[:limit]
	}
	return items, truncated, nil
}
