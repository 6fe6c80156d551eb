package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvBool(t *testing.T) {
	t.Setenv("RECON_FLAG", "Yes")
	assert.True(t, EnvBool("RECON_FLAG", false))
	t.Setenv("RECON_FLAG", "off")
	assert.False(t, EnvBool("RECON_FLAG", true))
	t.Setenv("RECON_FLAG", "maybe")
	assert.True(t, EnvBool("RECON_FLAG", true))
}

func TestAlertRuleDisabled(t *testing.T) {
	t.Setenv("DISABLED_ALERT_RULES", "")
	assert.False(t, AlertRuleDisabled("task_over_budget"))

	t.Setenv("DISABLED_ALERT_RULES", "TASK_OVER_BUDGET, unassigned_hours")
	assert.True(t, AlertRuleDisabled("task_over_budget"))
	assert.True(t, AlertRuleDisabled("unassigned_hours"))
	assert.False(t, AlertRuleDisabled("project_over_budget"))
	assert.False(t, AlertRuleDisabled(""))
}
