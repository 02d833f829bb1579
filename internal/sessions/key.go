// Package sessions — session key helpers.
//
// Conversation keys are "{channel}:{chat_id}" (built by the bus). Runtime-
// originated work uses its own namespaces so it never shares history with a
// user conversation:
//
//	Subagent: spawn:{taskId}
//	Cron:     cron:{jobId}
package sessions

import (
	"fmt"
	"strings"
)

// BuildSpawnKey returns the session key for a subagent task.
func BuildSpawnKey(taskID string) string {
	return fmt.Sprintf("spawn:%s", taskID)
}

// BuildCronKey returns the session key for a cron job's runs.
func BuildCronKey(jobID string) string {
	return fmt.Sprintf("cron:%s", jobID)
}

// IsSpawnSession checks if a session key belongs to a subagent task.
func IsSpawnSession(key string) bool {
	return strings.HasPrefix(key, "spawn:")
}

// IsCronSession checks if a session key belongs to a cron job.
func IsCronSession(key string) bool {
	return strings.HasPrefix(key, "cron:")
}
