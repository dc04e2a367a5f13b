package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleStatus represents the cooking status of a bundle request
type BundleStatus string

const (
	StatusNew     BundleStatus = "new"
	StatusPending BundleStatus = "pending"
	StatusDone    BundleStatus = "done"
	StatusFailed  BundleStatus = "failed"
)

// Terminal reports whether the status is a rest state the sweeper may reclaim
func (s BundleStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ObjectKind represents the kind of archived object a bundle is built from
type ObjectKind string

const (
	KindDirectory ObjectKind = "directory"
	KindRevision  ObjectKind = "revision"
)

// BundleFormat represents the output format of a cooked bundle
type BundleFormat string

const (
	FormatTar     BundleFormat = "tar"
	FormatGitfast BundleFormat = "gitfast"
	FormatBare    BundleFormat = "bare"
)

// BundleType is the closed (kind, format) pair identifying what to cook.
// The wire names match the cooker names of the archive API.
type BundleType struct {
	Kind   ObjectKind
	Format BundleFormat
}

var bundleTypes = map[string]BundleType{
	"directory":        {KindDirectory, FormatTar},
	"revision_flat":    {KindRevision, FormatTar},
	"revision_gitfast": {KindRevision, FormatGitfast},
	"git_bare":         {KindRevision, FormatBare},
}

var bundleTypeNames = func() map[BundleType]string {
	names := make(map[BundleType]string, len(bundleTypes))
	for name, bt := range bundleTypes {
		names[bt] = name
	}
	return names
}()

// ParseBundleType validates a wire-level bundle type name
func ParseBundleType(name string) (BundleType, error) {
	bt, ok := bundleTypes[name]
	if !ok {
		return BundleType{}, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
	}
	return bt, nil
}

// BundleTypeNames returns the supported wire names, for intake validation errors
func BundleTypeNames() []string {
	names := make([]string, 0, len(bundleTypes))
	for name := range bundleTypes {
		names = append(names, name)
	}
	return names
}

func (t BundleType) String() string {
	return bundleTypeNames[t]
}

// ObjectIDLen is the size of an archive content hash in bytes (sha1)
const ObjectIDLen = 20

// ObjectID is the content hash of the source object
type ObjectID [ObjectIDLen]byte

// ParseObjectID decodes a hex-encoded object id
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ObjectIDLen {
		return id, fmt.Errorf("invalid object id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON encodes the id as a hex string
func (id ObjectID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes a hex string id
func (id *ObjectID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseObjectID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Short returns the abbreviated hex form used in notification subjects
func (id ObjectID) Short() string {
	return id.String()[:7]
}

// BundleRequest represents one row of the bundle registry.
// Maps to: vault_bundle table
type BundleRequest struct {
	// Registry-assigned id (bigserial)
	ID int64 `db:"id" json:"id"`

	// Bundle type (kind + format)
	Type BundleType `db:"-" json:"type"`

	// Content hash of the source object
	ObjectID ObjectID `db:"object_id" json:"object_id"`

	// Cooking status
	Status BundleStatus `db:"status" json:"status"`

	// Handle of the dispatched cooking job, nil until dispatched
	ExternalJobID *uuid.UUID `db:"external_job_id" json:"external_job_id,omitempty"`

	// Sticky bundles are exempt from eviction
	Sticky bool `db:"sticky" json:"sticky"`

	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	DoneAt       *time.Time `db:"done_at" json:"done_at,omitempty"`
	LastAccessAt time.Time  `db:"last_access_at" json:"last_access_at"`

	// Last worker progress report, or the terminal failure reason
	ProgressMessage string `db:"progress_msg" json:"progress_message"`
}

// NotificationSubscription represents an e-mail address to notify when a
// bundle reaches a terminal state.
// Maps to: vault_notif_email table
type NotificationSubscription struct {
	ID       int64  `db:"id" json:"id"`
	BundleID int64  `db:"bundle_id" json:"bundle_id"`
	Email    string `db:"email" json:"email"`
}
