// Package ids mints the stable, prefixed, opaque identifiers used
// throughout the data model (§3/§6): wh_ for webhooks, rec_ for
// ApiCallRecords, of_ for StaticFiles, plus generic cuid2-style ids
// for Schedule/ScheduleRecord rows.
//
// google/uuid backs the random component (replacing the teacher's
// coordination/leader.go stub "uuid-"+time.Now().String()); there is
// no third-party cuid2 implementation in the retrieval pack, so the
// record-id alphabet encoding is hand-rolled over crypto/rand — see
// DESIGN.md.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const cuidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// cuid2 generates a short, URL-safe, collision-resistant id in the
// style of the spec's `rec_<cuid2>` (we don't reproduce the exact
// cuid2 algorithm's entropy mixing, only its shape: lowercase
// alphanumeric, fixed length).
func cuid2(n int) string {
	buf := make([]byte, n)
	random := make([]byte, n)
	_, _ = rand.Read(random)
	for i := 0; i < n; i++ {
		buf[i] = cuidAlphabet[int(random[i])%len(cuidAlphabet)]
	}
	return string(buf)
}

// NewScheduleID returns a stable id for a Schedule row.
func NewScheduleID() string { return "sch_" + cuid2(24) }

// NewScheduleRecordID returns a stable id for a ScheduleRecord row,
// prefixed `sr_` (ApiCallRecord rows use `rec_`).
func NewScheduleRecordID() string { return "sr_" + cuid2(24) }

// NewWebhookID returns a stable id for a Webhook row: `wh_<32 hex>`.
func NewWebhookID() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	return "wh_" + hex.EncodeToString(raw)
}

// NewAPICallRecordID returns a stable id for an ApiCallRecord row:
// `rec_<cuid2>`.
func NewAPICallRecordID() string { return "rec_" + cuid2(24) }

// FileKey computes the deterministic content-addressed key for a
// StaticFile: `of_<base64url(sha256(uid,body)[:16])>`.
func FileKey(uid string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(uid))
	h.Write([]byte{0})
	h.Write(body)
	sum := h.Sum(nil)[:16]
	return "of_" + base64.RawURLEncoding.EncodeToString(sum)
}

// StorageKey returns the storage path for a StaticFile's bytes.
func StorageKey(uid, fileKey string) string {
	return fmt.Sprintf("openapi/%s/%s", uid, fileKey)
}

// NewToken mints a random opaque token for lock/lease ownership or
// request correlation (replacing the teacher's "uuid-"+time.Now()
// stub).
func NewToken() string { return uuid.NewString() }

// short is used by log lines / metrics labels that want a
// low-cardinality id fragment without the full uuid.
func short(id string) string {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return enc.EncodeToString([]byte(id))[:8]
}
