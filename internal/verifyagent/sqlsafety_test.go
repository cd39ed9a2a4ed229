package verifyagent

import "testing"

func TestCheckSQLAllowsWellFormedSelect(t *testing.T) {
	sql := "SELECT order_id, invoice_number FROM orders WHERE customer_id = $1 LIMIT $2"
	d := CheckSQL(sql, 2, []interface{}{"abc", 5}, 200)
	if !d.Allow {
		t.Fatalf("expected allow, got deny: %v", d.Deny)
	}
}

func TestCheckSQLRejectsNonSelect(t *testing.T) {
	d := CheckSQL("UPDATE orders SET total_amount = 0 WHERE order_id = $1 LIMIT $2", 2, []interface{}{"x", 1}, 200)
	if d.Allow {
		t.Fatal("expected deny for UPDATE statement")
	}
}

func TestCheckSQLRejectsSemicolon(t *testing.T) {
	d := CheckSQL("SELECT 1 FROM orders; DROP TABLE orders LIMIT $1", 1, []interface{}{1}, 200)
	if d.Allow {
		t.Fatal("expected deny for semicolon")
	}
}

func TestCheckSQLRejectsComment(t *testing.T) {
	d := CheckSQL("SELECT 1 FROM orders -- comment\nLIMIT $1", 1, []interface{}{1}, 200)
	if d.Allow {
		t.Fatal("expected deny for SQL comment")
	}
}

func TestCheckSQLRejectsDisallowedTable(t *testing.T) {
	d := CheckSQL("SELECT * FROM pg_user LIMIT $1", 1, []interface{}{5}, 200)
	if d.Allow {
		t.Fatal("expected deny for table not in allow-list")
	}
}

func TestCheckSQLRejectsMissingLimit(t *testing.T) {
	d := CheckSQL("SELECT * FROM orders WHERE order_id = $1", 1, []interface{}{"x"}, 200)
	if d.Allow {
		t.Fatal("expected deny for missing trailing LIMIT")
	}
}

func TestCheckSQLRejectsLimitExceedingMax(t *testing.T) {
	d := CheckSQL("SELECT * FROM orders LIMIT $1", 1, []interface{}{500}, 200)
	if d.Allow {
		t.Fatal("expected deny for limit exceeding max_limit")
	}
}

func TestCheckSQLRejectsPlaceholderMismatch(t *testing.T) {
	d := CheckSQL("SELECT * FROM orders WHERE customer_id = $1 LIMIT $2", 1, []interface{}{5}, 200)
	if d.Allow {
		t.Fatal("expected deny when placeholder count does not match paramCount")
	}
}

func TestCheckSQLRejectsBareUnion(t *testing.T) {
	d := CheckSQL("SELECT 1 FROM orders UNION SELECT 1 FROM customers LIMIT $1", 1, []interface{}{1}, 200)
	if d.Allow {
		t.Fatal("expected deny for bare UNION")
	}
}
