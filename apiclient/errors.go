package apiclient

import (
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/hasura/promptql-chat-sdk/types"
)

func classifyStatus(status int, threadID, message string) *types.SessionError {
	serr := &types.SessionError{
		Message:  message,
		Status:   status,
		ThreadID: threadID,
	}
	switch {
	case status == 401 || status == 403:
		serr.Code = types.ErrorCodeAuthentication
	case status == 404:
		serr.Code = types.ErrorCodeInvalidThread
	case status == 429:
		serr.Code = types.ErrorCodeRateLimit
	case status == 400 || status == 422:
		serr.Code = types.ErrorCodeValidation
	default:
		serr.Code = types.ErrorCodeServer
	}
	return serr
}

// retryDecision wraps non-retryable session errors in backoff.Permanent
// so the retry loop gives up immediately.
func retryDecision(err error) error {
	if err == nil {
		return nil
	}
	var serr *types.SessionError
	if errors.As(err, &serr) && !serr.Retryable() {
		return backoff.Permanent(err)
	}
	return err
}
