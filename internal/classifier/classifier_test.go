package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/caserecord"
)

func TestEligibleRequiresPipelineClassificationAndThreshold(t *testing.T) {
	cases := []struct {
		name   string
		result Result
		want   bool
	}{
		{"return above threshold", Result{caserecord.ClassificationReturn, 0.9}, true},
		{"refund at threshold", Result{caserecord.ClassificationRefund, ConfidenceThreshold}, true},
		{"replacement below threshold", Result{caserecord.ClassificationReplacement, 0.1}, false},
		{"other above threshold", Result{caserecord.ClassificationOther, 0.99}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.result.Eligible())
		})
	}
}
