package gdrive

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/dtc-innovation/backoff"
)

const rateLimitBody = `{
  "error": {
    "errors": [
      {
        "domain": "usageLimits",
        "reason": "userRateLimitExceeded",
        "message": "User Rate Limit Exceeded"
      }
    ],
    "code": 403,
    "message": "User Rate Limit Exceeded"
  }
}`

const notFoundBody = `{
  "error": {
    "errors": [
      {
        "domain": "global",
        "reason": "notFound",
        "message": "File not found: 1a2b3c.",
        "locationType": "parameter",
        "location": "fileId"
      }
    ],
    "code": 404,
    "message": "File not found: 1a2b3c."
  }
}`

func rateLimited() error {
	return &googleapi.Error{
		Code:    403,
		Message: "User Rate Limit Exceeded",
		Body:    rateLimitBody,
		Errors:  []googleapi.ErrorItem{{Reason: "userRateLimitExceeded", Message: "User Rate Limit Exceeded"}},
	}
}

func TestIsUsageLimit(t *testing.T) {
	require.True(t, IsUsageLimit(rateLimited()))
	require.True(t, IsUsageLimit(fmt.Errorf("listing: %w", rateLimited())))
	require.True(t, IsUsageLimit(backoff.RateLimitError("rateLimitExceeded")))

	require.False(t, IsUsageLimit(&googleapi.Error{Code: 404, Body: notFoundBody}))
	// Without a body there is no domain to go on.
	require.False(t, IsUsageLimit(&googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
	}))
	require.False(t, IsUsageLimit(&googleapi.Error{Code: 500, Body: "<html>oops</html>"}))
	require.False(t, IsUsageLimit(errors.New("unexpected EOF")))
}

func TestEntries(t *testing.T) {
	require.Equal(t,
		[]backoff.ErrorEntry{{Domain: "global", Reason: "notFound", Message: "File not found: 1a2b3c."}},
		Entries(&googleapi.Error{Code: 404, Body: notFoundBody}),
	)
	require.Equal(t,
		[]backoff.ErrorEntry{{Reason: "backendError", Message: "Backend Error"}},
		Entries(&googleapi.Error{Code: 500, Errors: []googleapi.ErrorItem{{Reason: "backendError", Message: "Backend Error"}}}),
	)
}
