package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/tenant"
)

func TestRules_Check(t *testing.T) {
	rules, err := NewRules()
	require.NoError(t, err)

	tests := []struct {
		name    string
		rules   tenant.ActionRules
		wantErr string
	}{
		{name: "empty"},
		{
			name: "valid",
			rules: tenant.ActionRules{
				RevenueSensitiveWhen: `action.action_type == "budget_increase"`,
				ManualOnlyWhen:       `signal.has_score && signal.score < 80.0`,
			},
		},
		{
			name:    "syntax error",
			rules:   tenant.ActionRules{ManualOnlyWhen: `action.action_type ==`},
			wantErr: "manualOnlyWhen",
		},
		{
			name:    "not a bool",
			rules:   tenant.ActionRules{RevenueSensitiveWhen: `1 + 2`},
			wantErr: "must evaluate to bool",
		},
		{
			name:    "unknown variable",
			rules:   tenant.ActionRules{RevenueSensitiveWhen: `campaign.spend > 10`},
			wantErr: "revenueSensitiveWhen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rules.Check(tt.rules)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRules_Match(t *testing.T) {
	rules, err := NewRules()
	require.NoError(t, err)

	vars := map[string]any{
		"tenant": "acme",
		"signal": map[string]any{"status": "ok", "score": 91.5, "has_score": true},
		"action": map[string]any{"action_type": "bid_change", "platform": "meta"},
	}

	ok, err := rules.Match(`action.platform == "meta" && signal.score > 90.0`, vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rules.Match(`tenant == "globex"`, vars)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rules.Match("", vars)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = rules.Match(`action.entity_id == "x"`, vars)
	assert.Error(t, err)
}
