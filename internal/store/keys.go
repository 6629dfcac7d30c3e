package store

import "fmt"

// Redis key builders for the lock/lease/queue/ingress/pool namespaces
// enumerated in spec §6, grounded on
// itskum47-FluxForge/control_plane/store/keys.go's TenantKey pattern.

func ScanLockKey() string { return "lock:schedule:scan" }

func ExecuteLockKey(uid, canvasID string) string {
	return fmt.Sprintf("lock:execute:%s:%s", uid, canvasID)
}

func SandboxLockKey(sandboxID string) string {
	return fmt.Sprintf("lock:sandbox:%s", sandboxID)
}

func UserConcurrentKey(uid string) string {
	return fmt.Sprintf("schedule:concurrent:user:%s", uid)
}

func OpenAPIRateLimitRPMKey(uid string) string {
	return fmt.Sprintf("openapi:rate_limit:rpm:%s", uid)
}

func OpenAPIRateLimitDailyKey(uid string) string {
	return fmt.Sprintf("openapi:rate_limit:daily:%s", uid)
}

func WebhookRateLimitRPMKey(webhookID string) string {
	return fmt.Sprintf("webhook_rate_limit:rpm:%s", webhookID)
}

func WebhookRateLimitDailyKey(webhookID string) string {
	return fmt.Sprintf("webhook_rate_limit:daily:%s", webhookID)
}

// DebounceKey is shared by both trigger surfaces: fingerprint already
// encodes uid+scopeId+body, so one namespace suffices (§4.3).
func DebounceKey(fingerprint string) string {
	return fmt.Sprintf("debounce:%s", fingerprint)
}

func WebhookConfigCacheKey(webhookID string) string {
	return fmt.Sprintf("webhook_config:%s", webhookID)
}

func ScaleboxIdleKey(templateName string) string {
	return fmt.Sprintf("scalebox:idle:%s", templateName)
}

func ScaleboxMetadataKey(sandboxID string) string {
	return fmt.Sprintf("scalebox:metadata:%s", sandboxID)
}

func QueueKey(name string) string {
	return fmt.Sprintf("queue:%s", name)
}

func QueueDelayedKey(name string) string {
	return fmt.Sprintf("queue:%s:delayed", name)
}

func QueueDataKey(name, jobID string) string {
	return fmt.Sprintf("queue:%s:job:%s", name, jobID)
}

func LeaderKey(role string) string {
	return fmt.Sprintf("lock:leader:%s", role)
}
