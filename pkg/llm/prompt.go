package llm

import (
	"fmt"
	"strings"

	"github.com/EnodAI/EnodAI/pkg/models"
)

// techHints maps a technology keyword (matched against alertname and
// description, case-insensitive) to the guidance injected into the
// prompt. First match wins, in this order.
var techHints = []struct {
	keyword string
	hint    string
}{
	{"redis", "Redis: reason about memory usage, eviction policy and maxmemory limits"},
	{"mongo", "MongoDB: reason about the WiredTiger cache, connection counts and slow queries"},
	{"postgres", "PostgreSQL: reason about connection limits, locks and replication lag"},
	{"mysql", "MySQL: reason about the InnoDB buffer pool, connections and the slow query log"},
	{"nginx", "Nginx: reason about worker_connections, upstream timeouts and the error log"},
	{"kafka", "Kafka: reason about consumer lag, ISR shrinkage and disk throughput"},
	{"elasticsearch", "Elasticsearch: reason about heap pressure, GC pauses and shard allocation"},
	{"rabbitmq", "RabbitMQ: reason about queue depth, the memory watermark and connection churn"},
	{"cassandra", "Cassandra: reason about compactions, tombstones and GC pauses"},
	{"disk", "Disk: reason about filesystem usage, inode exhaustion and log rotation"},
	{"cpu", "CPU: reason about top consumers, load average and runaway processes"},
	{"memory", "Memory: reason about top RSS consumers, the OOM killer and swap usage"},
}

const fallbackHint = "Use ONLY technologies mentioned in the alert description"

// technologyHint derives the technology guidance for the prompt from
// keyword matching over alertname and description.
func technologyHint(alertName, description string) string {
	haystack := strings.ToLower(alertName + " " + description)
	for _, t := range techHints {
		if strings.Contains(haystack, t.keyword) {
			return t.hint
		}
	}
	return fallbackHint
}

// buildPrompt assembles the reason-conditioned prompt. The templates
// demand a strict JSON response with root_cause and immediate_actions;
// escalation and recovery vary the framing and the critical default.
func buildPrompt(alert models.AlertPayload, reason string) string {
	base := fmt.Sprintf(`You are a Senior SRE responding to a PRODUCTION EMERGENCY.

CRITICAL RULES:
1. Use ONLY info from THIS alert's description
2. Extract EXACT server names, IPs, metrics from description
3. %s

ALERT: %s | Severity: %s
Instance: %s

DESCRIPTION:
%s`,
		technologyHint(alert.AlertName(), alert.Description()),
		orUnknown(alert.AlertName()),
		orUnknown(alert.Labels["severity"]),
		orUnknown(alert.Instance()),
		orDefault(alert.Description(), "No description"))

	switch reason {
	case models.ReasonRecovery:
		return base + recoveryContext
	case models.ReasonEscalation:
		return base + escalationContext
	default:
		return base + firstOccurrenceContext
	}
}

const recoveryContext = `

RECOVERY ANALYSIS:
This alert's severity has DECREASED (situation improving).

Focus on:
1. What action was likely taken that helped?
2. Is the system fully recovered or still recovering?
3. What should be monitored to ensure stability?

Respond with JSON:
{
  "root_cause": {
    "problem": "Original issue (now improving)",
    "servers": "Affected servers",
    "recovery_status": "Recovering / Fully recovered"
  },
  "immediate_actions": [
    {
      "step": 1,
      "action": "Monitor X for Y minutes to confirm recovery",
      "command": "command if applicable",
      "time": "time estimate",
      "critical": false
    }
  ]
}`

const escalationContext = `

ESCALATION ALERT:
This alert's severity has INCREASED (situation worsening).

Focus on:
1. Why did the situation escalate?
2. What immediate action is needed NOW?
3. What's the business impact?

Respond ONLY with JSON:
{
  "root_cause": {
    "problem": "EXACT technical issue with metrics from description",
    "servers": "Specific server names/IPs from description",
    "impact": "Business impact from description"
  },
  "immediate_actions": [
    {
      "step": 1,
      "action": "Specific command or action with server names",
      "command": "Exact command to run (if applicable)",
      "time": "5-15 min",
      "critical": true
    }
  ]
}`

const firstOccurrenceContext = `

Respond ONLY with JSON:
{
  "root_cause": {
    "problem": "EXACT technical issue with metrics from description",
    "servers": "Specific server names/IPs from description",
    "impact": "Business impact from description"
  },
  "immediate_actions": [
    {
      "step": 1,
      "action": "Specific command or action with server names",
      "command": "Exact command to run (if applicable)",
      "time": "5-15 min",
      "critical": true
    }
  ]
}

Focus: Give me 2-3 IMMEDIATE actions to fix this NOW. No future plans.`

func orUnknown(s string) string {
	return orDefault(s, "Unknown")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
