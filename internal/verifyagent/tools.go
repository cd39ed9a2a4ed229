// Package verifyagent is the DB verification agent loop (component P): a
// bounded ReAct controller that drives a fixed fallback ladder of
// database lookup tools to confirm a customer's refund request against
// the orders store, plus the tool server (component F) that exposes
// those lookups over stdio. Grounded on
// original_source/mcp_processor/processor.py's verify_request_with_db
// (the ladder and the termination protocol) and
// original_source/db_verification's tool set (the lookups themselves).
package verifyagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caseflow/caseflow/internal/mcpserver"
	"github.com/caseflow/caseflow/internal/ordersstore"
)

// DefaultMaxLimit bounds the trailing LIMIT parameter llm_find_orders may
// request, per §4.P.1.
const DefaultMaxLimit = 200

// DefaultSQLTimeout is the statement_timeout applied to llm_find_orders
// per §5.
const DefaultSQLTimeout = 5 * time.Second

// NewToolSet builds the stdio tool catalog the DB verification loop
// drives: the fixed fallback ladder plus the diagnostics tool.
func NewToolSet(store *ordersstore.Store, selector *Selector) *mcpserver.ToolSet {
	ts := mcpserver.NewToolSet()

	ts.Register(mcpserver.Tool{
		Name:        "verify_from_email_matches_customer",
		Description: "Case-insensitive exact match of the sender's email against the customers table.",
		InputSchema: objectSchema(map[string]string{"from_email": "string"}, "from_email"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			FromEmail string `json:"from_email"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		customer, err := store.FindCustomerByEmail(context.Background(), args.FromEmail)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"matched": customer != nil, "customer": customer}, nil
	})

	ts.Register(mcpserver.Tool{
		Name:        "find_order_by_order_invoice_id",
		Description: "Look up an order by order_invoice_id, cross-checked against the verification email.",
		InputSchema: objectSchema(map[string]string{"order_invoice_id": "string", "verification_email": "string"}, "order_invoice_id", "verification_email"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			OrderInvoiceID     string `json:"order_invoice_id"`
			VerificationEmail string `json:"verification_email"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		order, errCode, err := store.FindOrderByOrderInvoiceID(context.Background(), args.OrderInvoiceID, args.VerificationEmail)
		if err != nil {
			return nil, err
		}
		return lookupResult(order, errCode), nil
	})

	ts.Register(mcpserver.Tool{
		Name:        "find_order_by_invoice_number",
		Description: "Look up an order by invoice_number, cross-checked against the verification email.",
		InputSchema: objectSchema(map[string]string{"invoice_number": "string", "verification_email": "string"}, "invoice_number", "verification_email"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			InvoiceNumber      string `json:"invoice_number"`
			VerificationEmail string `json:"verification_email"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		order, errCode, err := store.FindOrderByInvoiceNumber(context.Background(), args.InvoiceNumber, args.VerificationEmail)
		if err != nil {
			return nil, err
		}
		return lookupResult(order, errCode), nil
	})

	ts.Register(mcpserver.Tool{
		Name:        "get_customer_orders_with_items",
		Description: "Fetch a customer's recent orders with line items, clamped to safe limits.",
		InputSchema: objectSchema(map[string]string{
			"customer_email":      "string",
			"max_orders":          "integer",
			"max_items_per_order": "integer",
		}, "customer_email"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			CustomerEmail    string `json:"customer_email"`
			MaxOrders        int    `json:"max_orders"`
			MaxItemsPerOrder int    `json:"max_items_per_order"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return store.GetCustomerOrdersWithItems(context.Background(), args.CustomerEmail, args.MaxOrders, args.MaxItemsPerOrder)
	})

	ts.Register(mcpserver.Tool{
		Name:        "list_orders_by_customer_email",
		Description: "Diagnostics: list a customer's historical orders by email, case-insensitive, clamped to 1..100 (default 20).",
		InputSchema: objectSchema(map[string]string{"customer_email": "string", "limit": "integer"}, "customer_email"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			CustomerEmail string `json:"customer_email"`
			Limit         int    `json:"limit"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		orders, err := store.ListOrdersByCustomerEmail(context.Background(), args.CustomerEmail, args.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"customer_email": args.CustomerEmail, "count": len(orders), "orders": orders}, nil
	})

	ts.Register(mcpserver.Tool{
		Name:        "list_order_items_by_order_invoice_id",
		Description: "Diagnostics: list line items for an order_invoice_id.",
		InputSchema: objectSchema(map[string]string{"order_invoice_id": "string", "limit": "integer"}, "order_invoice_id"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			OrderInvoiceID string `json:"order_invoice_id"`
			Limit          int    `json:"limit"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		items, err := store.ListOrderItemsByOrderInvoiceID(context.Background(), args.OrderInvoiceID, args.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	})

	ts.Register(mcpserver.Tool{
		Name:        "select_order_id",
		Description: "LLM-assisted pick of the best matching order among a candidate list.",
		InputSchema: objectSchema(map[string]string{"payload": "object", "email_info": "object"}, "payload", "email_info"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Payload   json.RawMessage `json:"payload"`
			EmailInfo json.RawMessage `json:"email_info"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return selector.Select(context.Background(), args.Payload, args.EmailInfo)
	})

	ts.Register(mcpserver.Tool{
		Name:        "llm_find_orders",
		Description: "Last-resort: the calling agent supplies a single parameterized SELECT, validated against the SQL safety policy before execution.",
		InputSchema: objectSchema(map[string]string{"sql": "string", "params": "array"}, "sql", "params"),
	}, func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			SQL    string        `json:"sql"`
			Params []interface{} `json:"params"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		decision := CheckSQL(args.SQL, len(args.Params), args.Params, DefaultMaxLimit)
		if !decision.Allow {
			return nil, fmt.Errorf("query rejected by SQL safety policy: %v", decision.Deny)
		}
		rows, err := store.ReadOnlyQuery(context.Background(), DefaultSQLTimeout, args.SQL, args.Params...)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"rows": rows}, nil
	})

	return ts
}

func lookupResult(order *ordersstore.Order, errCode string) map[string]interface{} {
	if errCode != "" {
		return map[string]interface{}{"found": false, "error": errCode}
	}
	if order == nil {
		return map[string]interface{}{"found": false}
	}
	return map[string]interface{}{"found": true, "data": order}
}

func objectSchema(props map[string]string, required ...string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, typ := range props {
		properties[name] = map[string]interface{}{"type": typ}
	}
	schema := map[string]interface{}{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
