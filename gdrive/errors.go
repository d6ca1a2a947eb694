package gdrive

import (
	"encoding/json"
	"errors"

	"github.com/zeebo/errs"
	"google.golang.org/api/googleapi"

	"github.com/dtc-innovation/backoff"
)

// Error is the class of errors returned by the backup walker.
var Error = errs.Class("gdrive")

// apiErrorBody is the JSON error envelope the Drive API sends. googleapi.Error keeps the reasons of
// its entries but not their domains, so the body is decoded again to get at them.
type apiErrorBody struct {
	Error struct {
		Errors []struct {
			Domain  string `json:"domain"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// Entries returns the structured entries of a Drive API error, in the order the API listed them.
func Entries(err *googleapi.Error) []backoff.ErrorEntry {
	var body apiErrorBody
	if err.Body != "" && json.Unmarshal([]byte(err.Body), &body) == nil && len(body.Error.Errors) > 0 {
		entries := make([]backoff.ErrorEntry, 0, len(body.Error.Errors))
		for _, e := range body.Error.Errors {
			entries = append(entries, backoff.ErrorEntry{Domain: e.Domain, Reason: e.Reason, Message: e.Message})
		}
		return entries
	}
	entries := make([]backoff.ErrorEntry, 0, len(err.Errors))
	for _, e := range err.Errors {
		entries = append(entries, backoff.ErrorEntry{Reason: e.Reason, Message: e.Message})
	}
	return entries
}

// IsUsageLimit reports whether err means the Drive API is throttling this client. It understands
// *googleapi.Error as well as anything backoff.IsRateLimit does.
func IsUsageLimit(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		entries := Entries(apiErr)
		return len(entries) > 0 && entries[0].Domain == backoff.UsageLimitsDomain
	}
	return backoff.IsRateLimit(err)
}
