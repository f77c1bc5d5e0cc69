package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldRequestID = "request_id"

	FieldCategory = "category"
	FieldVersion  = "version"
	FieldOffset   = "offset"

	FieldTarget   = "target"
	FieldKind     = "kind"
	FieldDRM      = "drm"
	FieldProfile  = "profile"
	FieldState    = "state"
	FieldStatus   = "status"
	FieldDuration = "duration"
)
