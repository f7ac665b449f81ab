//nolint:lll
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vocdoni/zkvote-node/submission"
	"github.com/vocdoni/zkvote-node/types"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the user's fault,
// and they return HTTP Status 400 or 404 (or even 204), whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX
// If you notice there's a gap (say, error code 4010, 4011 and 4013 exist, 4012 is missing) DON'T fill in the gap,
// that code was used in the past for some error (not anymore) and shouldn't be reused.
// There's no correlation between Code and HTTP Status,
// for example the fact that Code 4045 returns HTTP Status 404 Not Found is just a coincidence
var (
	ErrResourceNotFound    = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody       = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMalformedParam      = Error{Code: 40015, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed parameter")}
	ErrMalformedAddress    = Error{Code: 40017, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed address")}
	ErrInvalidVoteInput    = Error{Code: 40023, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("vote choice or vote limit out of range")}
	ErrInvalidWitness      = Error{Code: 40024, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("vote inputs do not satisfy the circuit")}
	ErrProofHandleNotFound = Error{Code: 40025, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("proof handle not found")}
	ErrProofHandleConsumed = Error{Code: 40026, HTTPstatus: http.StatusGone, Err: fmt.Errorf("proof handle already used")}
	ErrProofHandleBusy     = Error{Code: 40027, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("proof handle is being submitted")}
	ErrAlreadyVoted        = Error{Code: 40028, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("address has already voted")}
	ErrTransactionNotFound = Error{Code: 40029, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("vote transaction not found")}
	ErrMalformedTxHash     = Error{Code: 40030, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed transaction hash")}
	ErrHandleNotRedeemed   = Error{Code: 40031, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("proof handle has not been redeemed")}
	ErrHandleTracked       = Error{Code: 40032, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("proof handle already tracks a transaction")}
	ErrTransactionMismatch = Error{Code: 40033, HTTPstatus: http.StatusUnprocessableEntity, Err: fmt.Errorf("transaction is not a vote with the proof of the handle")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrToolchainStageFailed       = Error{Code: 50003, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("proof toolchain stage failed")}
	ErrToolchainStageTimeout      = Error{Code: 50004, HTTPstatus: http.StatusGatewayTimeout, Err: fmt.Errorf("proof toolchain stage timed out")}
	ErrEligibilityCheckFailed     = Error{Code: 50005, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("vote status could not be read from the ledger")}
	ErrTransactionFailed          = Error{Code: 50006, HTTPstatus: http.StatusBadGateway, Err: fmt.Errorf("vote transaction failed")}
)

// domainErrors maps the errors returned by the services to their API error,
// most specific first.
var domainErrors = []struct {
	target error
	apiErr Error
}{
	{types.ErrInvalidInput, ErrInvalidVoteInput},
	{types.ErrInvalidWitness, ErrInvalidWitness},
	{types.ErrToolchainStageTimeout, ErrToolchainStageTimeout},
	{types.ErrToolchainStageFailed, ErrToolchainStageFailed},
	{types.ErrProofHandleNotFound, ErrProofHandleNotFound},
	{types.ErrProofHandleConsumed, ErrProofHandleConsumed},
	{types.ErrProofHandleBusy, ErrProofHandleBusy},
	{types.ErrEligibilityCheckFailed, ErrEligibilityCheckFailed},
	{types.ErrAlreadyVoted, ErrAlreadyVoted},
	{types.ErrTransactionFailed, ErrTransactionFailed},
	{submission.ErrUnknownTransaction, ErrTransactionNotFound},
	{submission.ErrHandleNotRedeemed, ErrHandleNotRedeemed},
	{submission.ErrHandleTracked, ErrHandleTracked},
	{submission.ErrTransactionMismatch, ErrTransactionMismatch},
}

// apiError converts err into the API error of its kind.
func apiError(err error) Error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, de := range domainErrors {
		if errors.Is(err, de.target) {
			return de.apiErr.WithErr(err)
		}
	}
	return ErrGenericInternalServerError.WithErr(err)
}
