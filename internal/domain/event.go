package domain

import "time"

// ClaimStage identifies which half of the claim lifecycle produced an event.
type ClaimStage string

// Claim stages.
const (
	ClaimStageEvaluate ClaimStage = "evaluate"
	ClaimStageExecute  ClaimStage = "execute"
)

// ClaimEvent is an append-only audit entry for one evaluate or execute call.
// Detail carries raw operator-facing text and is never shown to end users.
type ClaimEvent struct {
	EventID         string
	RecipientWallet string
	AccountID       string
	Stage           ClaimStage
	Outcome         string // "eligible", "settled" or a reason code
	Detail          string
	OccurredAt      time.Time
}
