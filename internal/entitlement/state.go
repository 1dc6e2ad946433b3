package entitlement

import (
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

// LoadingState tracks where the resolver is in a status check.
type LoadingState int

const (
	NotChecked LoadingState = iota
	Checking
	Resolved
)

func (l LoadingState) String() string {
	switch l {
	case NotChecked:
		return "not_checked"
	case Checking:
		return "checking"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// MarshalText renders the loading state by name in JSON output.
func (l LoadingState) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// State is the entitlement read model. Values handed out by the resolver are
// copies; mutating them has no effect on the resolver.
type State struct {
	UserID          string               `json:"userId,omitempty"`
	IsPremium       bool                 `json:"isPremium"`
	Record          *models.Subscription `json:"record,omitempty"`
	Loading         LoadingState         `json:"loading"`
	CheckoutLoading bool                 `json:"checkoutLoading"`
	CheckedAt       time.Time            `json:"checkedAt,omitempty"`
}

func (s State) clone() State {
	if s.Record != nil {
		rec := *s.Record
		if rec.CurrentPeriodEnd != nil {
			end := *rec.CurrentPeriodEnd
			rec.CurrentPeriodEnd = &end
		}
		s.Record = &rec
	}
	return s
}
