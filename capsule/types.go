// Package capsule implements the content-addressed asset store
// described in spec.md §4.4: capsules are keyed by the SHA-256 digest
// of their serialized content, carry a public metadata projection, and
// hold private content locally until a paid unlock.
package capsule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Status is the closed enum of a capsule's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusRevoked  Status = "revoked"
)

// Price describes the configured cost to unlock a capsule's private
// content, and how proceeds split between creator and platform.
type Price struct {
	Amount       uint64  `json:"amount"`
	Token        string  `json:"token"`
	CreatorShare float64 `json:"creatorShare"`
}

// Attribution names who created a capsule.
type Attribution struct {
	Creator string `json:"creator"`
}

// Record is the full capsule as held by a node that created it or has
// purchased access: it carries both the public metadata and the
// private content.
type Record struct {
	AssetID     string      `json:"assetId"`
	Type        string      `json:"type"`
	Confidence  float64     `json:"confidence"`
	Attribution Attribution `json:"attribution"`
	Tags        []string    `json:"tags"`
	Price       Price       `json:"price"`
	Status      Status      `json:"status"`
	Content     string      `json:"content,omitempty"`
}

// PublicProjection is what gets gossiped and returned from queries: it
// omits Content entirely, per spec.md §4.4's "private content is
// omitted from all peer-facing projections."
type PublicProjection struct {
	AssetID     string      `json:"assetId"`
	Type        string      `json:"type"`
	Confidence  float64     `json:"confidence"`
	Attribution Attribution `json:"attribution"`
	Tags        []string    `json:"tags"`
	Price       Price       `json:"price"`
	Status      Status      `json:"status"`
}

// Public strips private content from rec.
func (rec Record) Public() PublicProjection {
	return PublicProjection{
		AssetID:     rec.AssetID,
		Type:        rec.Type,
		Confidence:  rec.Confidence,
		Attribution: rec.Attribution,
		Tags:        rec.Tags,
		Price:       rec.Price,
		Status:      rec.Status,
	}
}

// AssetID computes the content-addressed id for the given serialized
// content, per spec.md's "asset_id = sha256: + SHA-256 of the
// serialized content."
func AssetID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// sniffType guesses a coarse content type when the caller didn't
// declare one, by attempting a JSON parse; otherwise "text".
func sniffType(content string) string {
	var js json.RawMessage
	if json.Unmarshal([]byte(content), &js) == nil {
		return "json"
	}
	return "text"
}

// QueryFilter selects a subset of stored capsules for Store.Query.
type QueryFilter struct {
	Type          string
	Creator       string
	Status        Status
	Tags          []string
	MinConfidence float64
	Limit         int
}
