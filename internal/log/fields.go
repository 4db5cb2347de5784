// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldComponent = "component"
	FieldEvent     = "event"

	// HTTP fields
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldRemoteAddr = "remote_addr"
	FieldDurationMS = "duration_ms"
	FieldBytes      = "bytes"

	// Gateway fields
	FieldSlug      = "slug"
	FieldVersion   = "api_version"
	FieldUpstream  = "upstream"
	FieldSnapshot  = "snapshot_version"
	FieldWALFile   = "wal_file"
	FieldWALOffset = "wal_offset"
)
