package core

// error_messages.go maps technical errors to messages a job submitter can act on.
//
// # Error Codes Reference
//
// Codes are grouped by the stage of a batch job that failed. A client quotes
// the code when reporting a problem; support then finds the technical error
// in the job's log lines (job_id, partition, key, category).
//
// # Configuration (CFG001-CFG099)
//
//	CFG001 - Invalid job: partition count, chunk size, parameters or inputs were rejected
//	         Action: Fix the request and submit the job again
//	         Matches: fault category "config"
//
//	CFG002 - Missing input: a polygon or layer file was not provided
//	         Action: Upload both files or give both object ids
//	         Patterns: "input is required"
//
// # Input Reading (READ001-READ099)
//
//	READ001 - Unreadable input: an input file or partition could not be opened
//	          Matches: fault category "reader-open"
//
//	READ002 - Out of order: layers are not grouped under their polygons
//	          Matches: fault category "data-order"
//
//	READ003 - Bad rows: input rows could not be read or validated
//	          Matches: fault categories "data-read", "data-validation"
//
//	READ004 - Storage hiccup: temporary I/O failure while reading
//	          Matches: fault category "transient-io"
//
// # Projection (PROJ001-PROJ099)
//
//	PROJ001 - Projection failed: the engine rejected a chunk
//	          Matches: fault category "projection"
//
//	PROJ002 - Engine crashed: the engine failed with an unclassified error
//	          Matches: fault category "untagged"
//
// # Aggregation (AGG001-AGG099)
//
//	AGG001 - Archive failed: partition results could not be merged
//	         Matches: fault category "aggregation"
//
//	AGG002 - Results not stored: the archive could not be persisted
//	         Matches: fault category "result-storage"
//
// # Skip Limit (SKIP001)
//
//	SKIP001 - Too many skipped chunks in one partition
//	          Matches: fault.ErrSkipLimitExceeded
//
// # Job Management (JOB001-JOB099)
//
//	JOB001 - Unknown job id              (ErrJobNotFound, "job not found")
//	JOB002 - Job is not running          (ErrJobNotRunning)
//	JOB003 - System busy                 (ErrTooManyJobs)
//	JOB004 - No archive for this job     (ErrArchiveUnavailable)
//	JOB005 - Request cancelled           ("context canceled")
//	JOB006 - Request timed out           ("context deadline exceeded")
//	JOB007 - Metrics inconsistent        (fault category "metrics")
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: check the service logs for the technical error
//
// # Matching Order
//
// Sentinel errors are checked first with errors.Is, then the fault category
// of the first *fault.Fault in the chain, then case-insensitive substring
// patterns. The first match wins.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

var sentinelMessages = []sentinelMessage{
	{fault.ErrSkipLimitExceeded, UserMessage{
		Message: "Too many chunks were skipped in one partition",
		Action:  "Review the error log in the archive and correct the failing polygons",
		Code:    "SKIP001",
	}},
	{ErrJobNotFound, UserMessage{
		Message: "Batch job not found",
		Action:  "Check the job id",
		Code:    "JOB001",
	}},
	{ErrJobNotRunning, UserMessage{
		Message: "Batch job is not running",
		Action:  "Only running jobs can be stopped",
		Code:    "JOB002",
	}},
	{ErrTooManyJobs, UserMessage{
		Message: "System is busy running other batch jobs",
		Action:  "Please wait for a running job to finish and try again",
		Code:    "JOB003",
	}},
	{ErrArchiveUnavailable, UserMessage{
		Message: "No result archive is available for this job",
		Action:  "Wait until the job has completed",
		Code:    "JOB004",
	}},
}

var categoryMessages = map[fault.Category]UserMessage{
	fault.CategoryConfig: {
		Message: "The batch job configuration is invalid",
		Action:  "Fix the request and submit the job again",
		Code:    "CFG001",
	},
	fault.CategoryReaderOpen: {
		Message: "An input file could not be opened",
		Action:  "Check that the polygon and layer files exist and are readable",
		Code:    "READ001",
	},
	fault.CategoryDataOrder: {
		Message: "Layer records are not grouped under their polygons",
		Action:  "Sort the layer file by polygon before submitting",
		Code:    "READ002",
	},
	fault.CategoryDataRead: {
		Message: "Some input rows could not be read",
		Action:  "Check the input files for malformed lines",
		Code:    "READ003",
	},
	fault.CategoryDataValidation: {
		Message: "Some input rows are invalid",
		Action:  "Check the input files for malformed lines",
		Code:    "READ003",
	},
	fault.CategoryTransientIO: {
		Message: "A temporary storage problem interrupted the job",
		Action:  "Please submit the job again",
		Code:    "READ004",
	},
	fault.CategoryProjection: {
		Message: "The projection engine rejected part of the input",
		Action:  "Review the error log in the archive",
		Code:    "PROJ001",
	},
	fault.CategoryUntagged: {
		Message: "The projection engine failed unexpectedly",
		Action:  "Contact support with the job id",
		Code:    "PROJ002",
	},
	fault.CategoryAggregation: {
		Message: "Partition results could not be merged",
		Action:  "Please submit the job again or contact support",
		Code:    "AGG001",
	},
	fault.CategoryResultStorage: {
		Message: "Results could not be stored",
		Action:  "Please try again later",
		Code:    "AGG002",
	},
	fault.CategoryMetrics: {
		Message: "Job metrics are inconsistent",
		Action:  "Contact support with the job id",
		Code:    "JOB007",
	},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are matched in order against the lower-cased error text.
var errorPatterns = []errorPattern{
	{"input is required", UserMessage{
		Message: "A polygon or layer input is missing",
		Action:  "Upload both files or give both object ids",
		Code:    "CFG002",
	}},
	{"job not found", sentinelMessages[1].msg},
	{"context canceled", UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "JOB005",
	}},
	{"context deadline exceeded", UserMessage{
		Message: "Request timed out",
		Action:  "Please try again",
		Code:    "JOB006",
	}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// A nil error maps to the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	var f *fault.Fault
	if errors.As(err, &f) {
		if msg, ok := categoryMessages[f.Category]; ok {
			return msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something other than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
