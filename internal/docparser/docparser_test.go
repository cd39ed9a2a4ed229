package docparser

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleParseInvoiceRejectsBadBase64(t *testing.T) {
	raw, _ := json.Marshal(map[string]string{"filename": "x.pdf", "pdf_base64": "not-base64!!"})
	_, err := handleParseInvoice(raw)
	require.Error(t, err)
}

func TestHandleParseInvoiceRejectsNonPDFBytes(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("not a real pdf"))
	raw, _ := json.Marshal(map[string]string{"filename": "x.pdf", "pdf_base64": encoded})
	_, err := handleParseInvoice(raw)
	require.Error(t, err)
}

func TestNewToolSetRegistersParseInvoice(t *testing.T) {
	ts := NewToolSet()
	require.Len(t, ts.Tools(), 1)
	require.Equal(t, "parse_invoice", ts.Tools()[0].Name)
}
