package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/EnodAI/EnodAI/pkg/models"
)

func testAlert(name, severity, instance, description string) models.AlertPayload {
	return models.AlertPayload{
		Labels: map[string]string{
			"alertname": name,
			"severity":  severity,
			"instance":  instance,
		},
		Annotations: map[string]string{"description": description},
	}
}

func TestTechnologyHint_Keywords(t *testing.T) {
	tests := []struct {
		name        string
		alertName   string
		description string
		wantSubstr  string
	}{
		{"redis in alertname", "RedisMemoryHigh", "", "Redis:"},
		{"postgres in description", "DBAlert", "postgres connections exhausted", "PostgreSQL:"},
		{"case insensitive", "KAFKA_LAG", "", "Kafka:"},
		{"disk keyword", "DiskSpaceLow", "", "Disk:"},
		{"cpu keyword", "HighCpuUsage", "", "CPU:"},
		{"memory keyword", "node memory pressure", "oom events", "Memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hint := technologyHint(tt.alertName, tt.description)
			assert.Contains(t, hint, tt.wantSubstr)
		})
	}
}

func TestTechnologyHint_FirstMatchWins(t *testing.T) {
	// Both redis and cpu appear; redis is listed first.
	hint := technologyHint("RedisHighCpu", "")
	assert.Contains(t, hint, "Redis:")
}

func TestTechnologyHint_Fallback(t *testing.T) {
	hint := technologyHint("SomethingExotic", "no known tech here")
	assert.Equal(t, fallbackHint, hint)
}

func TestBuildPrompt_ContainsAlertFields(t *testing.T) {
	alert := testAlert("RedisMemoryHigh", "critical", "cache-01:6379", "used_memory at 95% on cache-01")

	prompt := buildPrompt(alert, models.ReasonFirstOccurrence)

	assert.Contains(t, prompt, "ALERT: RedisMemoryHigh | Severity: critical")
	assert.Contains(t, prompt, "Instance: cache-01:6379")
	assert.Contains(t, prompt, "used_memory at 95% on cache-01")
	assert.Contains(t, prompt, "Redis:")
	assert.Contains(t, prompt, "Senior SRE")
}

func TestBuildPrompt_ReasonSelectsContext(t *testing.T) {
	alert := testAlert("HighCPU", "warning", "web-01", "cpu at 90%")

	first := buildPrompt(alert, models.ReasonFirstOccurrence)
	escalation := buildPrompt(alert, models.ReasonEscalation)
	recovery := buildPrompt(alert, models.ReasonRecovery)

	assert.Contains(t, first, "IMMEDIATE actions to fix this NOW")
	assert.NotContains(t, first, "ESCALATION ALERT")

	assert.Contains(t, escalation, "ESCALATION ALERT")
	assert.Contains(t, escalation, "severity has INCREASED")

	assert.Contains(t, recovery, "RECOVERY ANALYSIS")
	assert.Contains(t, recovery, "recovery_status")
	assert.NotContains(t, recovery, "ESCALATION ALERT")
}

func TestBuildPrompt_UnknownReasonDefaultsToFirstOccurrence(t *testing.T) {
	alert := testAlert("HighCPU", "warning", "web-01", "cpu at 90%")

	unknown := buildPrompt(alert, "something_else")
	first := buildPrompt(alert, models.ReasonFirstOccurrence)
	assert.Equal(t, first, unknown)
}

func TestBuildPrompt_MissingFields(t *testing.T) {
	prompt := buildPrompt(models.AlertPayload{}, models.ReasonFirstOccurrence)

	assert.Contains(t, prompt, "ALERT: Unknown | Severity: Unknown")
	assert.Contains(t, prompt, "Instance: Unknown")
	assert.Contains(t, prompt, "No description")
	assert.True(t, strings.Contains(prompt, fallbackHint))
}
