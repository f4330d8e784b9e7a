package device

import "strings"

// NormalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes). Handles both the standard dashed form and
// already-normalized input.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
