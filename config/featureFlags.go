package config

import (
	"os"
	"strings"
)

// EnvBool reads a yes/no switch, returning def when the variable is unset or unrecognized.
func EnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// SyncPushEndpointEnabled lets an operator drain the Pub/Sub push endpoint without
// removing the subscription.
//
// Set via env:
// - ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT=false
func SyncPushEndpointEnabled() bool {
	return EnvBool("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true)
}

// CreateTopicsOnPublish creates missing topics before the first publish. Local emulators only.
//
// Set via env:
// - SYNC_CREATE_TOPIC=true
func CreateTopicsOnPublish() bool {
	return EnvBool("SYNC_CREATE_TOPIC", false)
}

// AlertRuleDisabled turns individual alert rules off.
//
// Set via env:
// - DISABLED_ALERT_RULES="unassigned_hours,inactive_employee_hours"
//
// Rule names are case-insensitive.
func AlertRuleDisabled(rule string) bool {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if rule == "" {
		return false
	}
	raw := os.Getenv("DISABLED_ALERT_RULES")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == rule {
			return true
		}
	}
	return false
}
