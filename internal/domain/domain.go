package domain

const (
	DollActive   = "active"
	DollInactive = "inactive"
)

// Letter statuses in lifecycle order.
const (
	LetterWaiting  = "waiting"
	LetterDraft    = "draft"
	LetterReviewed = "reviewed"
	LetterSent     = "sent"
)

type Doll struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,inactive"`
	Age         *int   `json:"age,omitempty"`
	City        string `json:"city,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Active reports whether the doll can take letters.
func (d Doll) Active() bool { return d.Status == DollActive }

// DollLoad is a doll with its live assigned-letter count.
type DollLoad struct {
	Doll
	Assigned int `json:"assigned"`
	Free     int `json:"free"`
}

type Client struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	City      string `json:"city,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Contact   string `json:"contact,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Letter struct {
	ID        int64  `json:"id"`
	ClientID  int64  `json:"client_id"`
	DollID    *int64 `json:"doll_id,omitempty"`
	Date      string `json:"date" format:"date"`
	Status    string `json:"status" enum:"waiting,draft,reviewed,sent"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Waiting reports whether the letter sits in the waiting pool.
func (l Letter) Waiting() bool { return l.DollID == nil }

// LetterView is a letter joined with the names of its client and doll.
type LetterView struct {
	Letter
	ClientName string `json:"client_name"`
	DollName   string `json:"doll_name,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	OpID       string `json:"op_id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
