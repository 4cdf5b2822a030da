// Package apperr provides structured error handling for the news
// knowledge base.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (database, vector index files)
//   - 3XX: Dependency errors (fetcher network, models, external search)
//   - 4XX: Validation, not-found, duplicate, and access errors
//   - 5XX: Internal, backpressure, and timeout errors
package apperr

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates database and index file errors.
	CategoryStorage Category = "STORAGE"
	// CategoryDependency indicates errors from external collaborators.
	CategoryDependency Category = "DEPENDENCY"
	// CategoryValidation indicates input validation and lookup errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	CodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	CodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	CodeStorageUnavailable = "ERR_201_STORAGE_UNAVAILABLE"
	CodeIndexCorrupt       = "ERR_202_INDEX_CORRUPT"
	CodeIndexVersion       = "ERR_203_INDEX_VERSION_MISMATCH"
	CodeFileTooLarge       = "ERR_204_FILE_TOO_LARGE"

	// Dependency errors (300-399)
	CodeNetworkTimeout      = "ERR_301_NETWORK_TIMEOUT"
	CodeNetworkUnavailable  = "ERR_302_NETWORK_UNAVAILABLE"
	CodeEmbedderUnavailable = "ERR_303_EMBEDDER_UNAVAILABLE"
	CodeRerankerUnavailable = "ERR_304_RERANKER_UNAVAILABLE"
	CodeLLMUnavailable      = "ERR_305_LLM_UNAVAILABLE"
	CodeExternalSearch      = "ERR_306_EXTERNAL_SEARCH_FAILED"
	CodeRobotsDisallowed    = "ERR_307_ROBOTS_DISALLOWED"
	CodeFeedUnavailable     = "ERR_308_FEED_UNAVAILABLE"

	// Validation errors (400-499)
	CodeInvalidInput  = "ERR_401_INVALID_INPUT"
	CodeQueryEmpty    = "ERR_402_QUERY_EMPTY"
	CodeNotFound      = "ERR_403_NOT_FOUND"
	CodeDuplicate     = "ERR_404_DUPLICATE_DOCUMENT"
	CodeCrossUser     = "ERR_405_CROSS_USER_FORBIDDEN"
	CodeUnauthorized  = "ERR_406_UNAUTHORIZED"
	CodeInvalidLimit  = "ERR_407_INVALID_LIMIT"
	CodeUnsupported   = "ERR_408_UNSUPPORTED_FORMAT"

	// Internal errors (500-599)
	CodeInternal        = "ERR_501_INTERNAL"
	CodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	CodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	CodeIndexingFailed  = "ERR_504_INDEXING_FAILED"
	CodeBackpressure    = "ERR_505_BACKPRESSURE"
	CodeTimeout         = "ERR_506_TIMEOUT"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryDependency
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case CodeIndexCorrupt, CodeIndexVersion:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case CodeNetworkTimeout, CodeNetworkUnavailable, CodeEmbedderUnavailable,
		CodeLLMUnavailable, CodeBackpressure:
		return true
	default:
		return false
	}
}
