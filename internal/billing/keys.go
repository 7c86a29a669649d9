package billing

import (
	"fmt"
	"time"
)

// Document key schema. One account document per user, one usage document per
// billable attempt, one idempotency index document per (uid, tool, key), and
// a per-user time-ordered usage index for audit listings.
const (
	accountPrefix = "account"
	usagePrefix   = "usage"
	idemPrefix    = "idem"
	userIdxPrefix = "useridx"
)

func AccountKey(uid string) string {
	return fmt.Sprintf("%s/%s", accountPrefix, uid)
}

func UsageKey(usageID string) string {
	return fmt.Sprintf("%s/%s", usagePrefix, usageID)
}

func IdemKey(uid, toolKey, idempotencyKey string) string {
	return fmt.Sprintf("%s/%s/%s/%s", idemPrefix, uid, toolKey, idempotencyKey)
}

func UserUsageIndexKey(uid string, createdAt time.Time, usageID string) string {
	return fmt.Sprintf("%s/%s/%019d/%s", userIdxPrefix, uid, createdAt.UnixNano(), usageID)
}

func UserUsageIndexPrefix(uid string) string {
	return fmt.Sprintf("%s/%s/", userIdxPrefix, uid)
}
