package apperr

// Code classifies an application error for callers and the HTTP surface.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeSizeExceeded     Code = "SIZE_EXCEEDED"
	CodeConflict         Code = "CONFLICT"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUploadFailed     Code = "UPLOAD_FAILED"
	CodeUnavailable      Code = "UNAVAILABLE"
)
