package faucet

// Reason is the stable, user-facing vocabulary for claim outcomes.
type Reason string

// Eligibility reasons.
const (
	ReasonInvalidAddress        Reason = "InvalidAddress"
	ReasonAccountWalletMismatch Reason = "AccountWalletMismatch"
	ReasonBlocked               Reason = "Blocked"
	ReasonClaimInFlight         Reason = "ClaimInFlight"
	ReasonWalletAlreadyClaimed  Reason = "WalletAlreadyClaimed"
	ReasonAccountAlreadyClaimed Reason = "AccountAlreadyClaimed"
	ReasonBalanceSufficient     Reason = "BalanceSufficient"
	ReasonAddressNotFound       Reason = "AddressNotFound"
	ReasonNoPendingReservation  Reason = "NoPendingReservation"
)

// Translated failure reasons.
const (
	ReasonInsufficientFaucetFunds Reason = "InsufficientFaucetFunds"
	ReasonDestinationNotFound     Reason = "DestinationNotFound"
	ReasonTransactionRejected     Reason = "TransactionRejected"
	ReasonConnectivityError       Reason = "ConnectivityError"
	ReasonStorageError            Reason = "StorageError"
	ReasonUnknownError            Reason = "UnknownError"
)

type reasonInfo struct {
	message   string
	retryable bool
}

var reasons = map[Reason]reasonInfo{
	ReasonInvalidAddress:          {"That wallet address is not valid.", true},
	ReasonAccountWalletMismatch:   {"That wallet does not belong to your account.", true},
	ReasonBlocked:                 {"This wallet cannot receive faucet payments.", false},
	ReasonClaimInFlight:           {"A claim for this wallet is already being processed.", false},
	ReasonWalletAlreadyClaimed:    {"This wallet has already claimed.", false},
	ReasonAccountAlreadyClaimed:   {"Your account has already claimed.", false},
	ReasonBalanceSufficient:       {"This wallet already has enough balance.", false},
	ReasonAddressNotFound:         {"This wallet was not found on the network.", false},
	ReasonNoPendingReservation:    {"There is no pending claim for this wallet.", false},
	ReasonInsufficientFaucetFunds: {"The faucet is out of funds. Please try again later.", true},
	ReasonDestinationNotFound:     {"This wallet was not found on the network.", false},
	ReasonTransactionRejected:     {"The network rejected the payment. Please try again.", true},
	ReasonConnectivityError:       {"The network is unreachable. Please try again shortly.", true},
	ReasonStorageError:            {"Something went wrong on our side. Please try again shortly.", true},
	ReasonUnknownError:            {"Something went wrong. Please try again later.", true},
}

// Message returns a short, non-technical message for end users.
func (r Reason) Message() string {
	if info, ok := reasons[r]; ok {
		return info.message
	}
	return reasons[ReasonUnknownError].message
}

// Retryable reports whether the caller may retry after correcting input or backing off.
func (r Reason) Retryable() bool {
	return reasons[r].retryable
}

// Known reports whether r is part of the vocabulary.
func (r Reason) Known() bool {
	_, ok := reasons[r]
	return ok
}
