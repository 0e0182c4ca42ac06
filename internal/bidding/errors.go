package bidding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gavelhouse/gavel/internal/apiclient"
)

// ErrorKind classifies a bid or registration failure independently of
// the server's exact wording
type ErrorKind string

const (
	KindBidTooLow           ErrorKind = "bid_too_low"
	KindBidIncrementInvalid ErrorKind = "bid_increment_invalid"
	KindNotRegistered       ErrorKind = "not_registered"
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindRateLimited         ErrorKind = "rate_limited"
	KindAuctionNotLive      ErrorKind = "auction_not_live"
	KindAuctionEnded        ErrorKind = "auction_ended"
	KindAuctionNotStarted   ErrorKind = "auction_not_started"
	KindNotAuthenticated    ErrorKind = "not_authenticated"
	KindNetworkError        ErrorKind = "network_error"
	KindTimeout             ErrorKind = "timeout"
	KindServerError         ErrorKind = "server_error"
	KindRegistrationFailed  ErrorKind = "registration_failed"
)

// Retryable reports whether a caller-driven retry of the same attempt
// makes sense. Validation-class failures require a new user action.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetworkError, KindTimeout, KindServerError:
		return true
	default:
		return false
	}
}

// BidError is a classified bid or registration failure carrying a
// user-facing message and an actionable suggestion
type BidError struct {
	Kind       ErrorKind
	Message    string
	Suggestion string
	Err        error // underlying cause, may be nil for client-side validation
}

func (e *BidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BidError) Unwrap() error {
	return e.Err
}

// Retryable reports whether this failure is eligible for a bounded retry
func (e *BidError) Retryable() bool {
	return e.Kind.Retryable()
}

// kindText maps each kind to its default user-facing message and suggestion
var kindText = map[ErrorKind]struct {
	message    string
	suggestion string
}{
	KindBidTooLow:           {"Your bid is below the minimum next bid.", "Bid at least the minimum shown and try again."},
	KindBidIncrementInvalid: {"Your bid does not match the required increment.", "Adjust the amount to a valid increment step."},
	KindNotRegistered:       {"You are not registered for this auction.", "Register for the auction before bidding."},
	KindInsufficientFunds:   {"Your account balance cannot cover this bid.", "Add funds to your account and try again."},
	KindRateLimited:         {"You are bidding too quickly.", "Wait a moment before placing another bid."},
	KindAuctionNotLive:      {"The auction is not accepting bids right now.", "Wait for the auction to resume."},
	KindAuctionEnded:        {"The auction has already ended.", "Browse other live auctions."},
	KindAuctionNotStarted:   {"The auction has not started yet.", "Come back when the auction goes live."},
	KindNotAuthenticated:    {"You must be signed in to bid.", "Sign in and try again."},
	KindNetworkError:        {"We could not reach the auction server.", "Check your connection and retry."},
	KindTimeout:             {"The auction server took too long to respond.", "Retry in a few seconds."},
	KindServerError:         {"Something went wrong on the auction server.", "Retry, or refresh the page if it keeps failing."},
	KindRegistrationFailed:  {"Registration for this auction failed.", "Try registering again."},
}

// newKindError builds a BidError with the standard text for a kind
func newKindError(kind ErrorKind, cause error) *BidError {
	text := kindText[kind]
	return &BidError{
		Kind:       kind,
		Message:    text.message,
		Suggestion: text.suggestion,
		Err:        cause,
	}
}

// serverCodeKinds maps explicit server error codes onto kinds.
// An explicit code always wins over message heuristics.
var serverCodeKinds = map[string]ErrorKind{
	"BID_TOO_LOW":           KindBidTooLow,
	"BID_INCREMENT_INVALID": KindBidIncrementInvalid,
	"NOT_REGISTERED":        KindNotRegistered,
	"INSUFFICIENT_FUNDS":    KindInsufficientFunds,
	"RATE_LIMITED":          KindRateLimited,
	"AUCTION_NOT_LIVE":      KindAuctionNotLive,
	"AUCTION_ENDED":         KindAuctionEnded,
	"AUCTION_NOT_STARTED":   KindAuctionNotStarted,
	"NOT_AUTHENTICATED":     KindNotAuthenticated,
	"REGISTRATION_FAILED":   KindRegistrationFailed,
}

// messageKinds are heuristic substring matches for servers that return
// free-text errors without a code. First match wins.
var messageKinds = []struct {
	substr string
	kind   ErrorKind
}{
	{"too low", KindBidTooLow},
	{"minimum", KindBidTooLow},
	{"increment", KindBidIncrementInvalid},
	{"not registered", KindNotRegistered},
	{"insufficient", KindInsufficientFunds},
	{"balance", KindInsufficientFunds},
	{"too many", KindRateLimited},
	{"rate limit", KindRateLimited},
	{"slow down", KindRateLimited},
	{"already ended", KindAuctionEnded},
	{"has ended", KindAuctionEnded},
	{"closed", KindAuctionEnded},
	{"not started", KindAuctionNotStarted},
	{"not live", KindAuctionNotLive},
	{"not active", KindAuctionNotLive},
	{"paused", KindAuctionNotLive},
	{"unauthenticated", KindNotAuthenticated},
	{"unauthorized", KindNotAuthenticated},
	{"logged in", KindNotAuthenticated},
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
}

// Classify turns any submission failure into a BidError. The policy:
// prefer an explicit server-provided code, then infer from the message
// text, then from the offline hint, defaulting to a server error.
func Classify(err error, offline bool) *BidError {
	var bidErr *BidError
	if errors.As(err, &bidErr) {
		return bidErr
	}

	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := serverCodeKinds[apiErr.Code]; ok {
			e := newKindError(kind, err)
			if apiErr.Message != "" {
				e.Message = apiErr.Message
			}
			return e
		}
		if kind, ok := matchMessage(apiErr.Message); ok {
			return newKindError(kind, err)
		}
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return newKindError(KindNotAuthenticated, err)
		case http.StatusTooManyRequests:
			return newKindError(KindRateLimited, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return newKindError(KindTimeout, err)
		}
		return newKindError(KindServerError, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newKindError(KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newKindError(KindTimeout, err)
		}
		return newKindError(KindNetworkError, err)
	}

	if kind, ok := matchMessage(err.Error()); ok {
		return newKindError(kind, err)
	}

	if offline {
		return newKindError(KindNetworkError, err)
	}

	return newKindError(KindServerError, err)
}

func matchMessage(message string) (ErrorKind, bool) {
	lower := strings.ToLower(message)
	for _, m := range messageKinds {
		if strings.Contains(lower, m.substr) {
			return m.kind, true
		}
	}
	return "", false
}
