package sqsqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mailworker/internal/store"
)

// SendRequest is one recipient's pending delivery within a campaign.
type SendRequest struct {
	CampaignID   string     `json:"campaign_id"`
	ContactEmail string     `json:"contact_email"`
	Role         store.Role `json:"role,omitempty"`
}

// Message pairs a decoded request with its queue identity.
type Message struct {
	ID            string
	ReceiptHandle string
	Request       SendRequest
}

var ErrMalformed = errors.New("malformed send request")

// DecodeSendRequest parses and normalizes a queue body.
func DecodeSendRequest(body string) (SendRequest, error) {
	var r SendRequest
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return SendRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r.CampaignID = strings.TrimSpace(r.CampaignID)
	r.ContactEmail = strings.TrimSpace(r.ContactEmail)
	r.Role = store.Role(strings.ToLower(strings.TrimSpace(string(r.Role))))
	if err := r.Validate(); err != nil {
		return SendRequest{}, err
	}
	return r, nil
}

func (r SendRequest) Validate() error {
	switch {
	case r.CampaignID == "":
		return fmt.Errorf("%w: campaign_id is required", ErrMalformed)
	case r.ContactEmail == "" || !strings.Contains(r.ContactEmail, "@"):
		return fmt.Errorf("%w: contact_email %q is not an address", ErrMalformed, r.ContactEmail)
	case !r.Role.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrMalformed, r.Role)
	}
	return nil
}
