package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags the remote operation a queued action stands for.
type Kind string

const (
	KindRecordPayment     Kind = "recordPayment"
	KindUpdatePayment     Kind = "updatePayment"
	KindCreateTenant      Kind = "createTenant"
	KindUpdateTenant      Kind = "updateTenant"
	KindRequestWithdrawal Kind = "requestWithdrawal"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindRecordPayment, KindUpdatePayment, KindCreateTenant, KindUpdateTenant, KindRequestWithdrawal}
}

// Action is the closed set of mutations that can be queued. Implementations
// live in this package only.
type Action interface {
	Kind() Kind
	Validate() error
	sealed()
}

type RecordPayment struct {
	TenantID        string `json:"tenantId"`
	AgentID         string `json:"agentId"`
	AmountCents     int64  `json:"amountCents"`
	PaidOn          string `json:"paidOn"`
	ReferrerAgentID string `json:"referrerAgentId,omitempty"`
}

type UpdatePayment struct {
	PaymentID   string `json:"paymentId"`
	Paid        bool   `json:"paid"`
	AmountCents *int64 `json:"amountCents,omitempty"`
}

type CreateTenant struct {
	TenantID       string `json:"tenantId"`
	Name           string `json:"name"`
	AgentID        string `json:"agentId"`
	DailyRentCents int64  `json:"dailyRentCents"`
	Phone          string `json:"phone,omitempty"`
}

type UpdateTenant struct {
	TenantID       string  `json:"tenantId"`
	Name           *string `json:"name,omitempty"`
	Phone          *string `json:"phone,omitempty"`
	DailyRentCents *int64  `json:"dailyRentCents,omitempty"`
	Status         *string `json:"status,omitempty"`
}

type RequestWithdrawal struct {
	AgentID     string `json:"agentId"`
	AmountCents int64  `json:"amountCents"`
	Method      string `json:"method"`
}

// Tenant statuses accepted by UpdateTenant.
const (
	TenantActive  = "active"
	TenantDormant = "dormant"
	TenantEvicted = "evicted"
)

// Withdrawal methods accepted by RequestWithdrawal.
const (
	MethodMobileMoney = "mobile_money"
	MethodBank        = "bank"
	MethodCash        = "cash"
)

func (RecordPayment) Kind() Kind     { return KindRecordPayment }
func (UpdatePayment) Kind() Kind     { return KindUpdatePayment }
func (CreateTenant) Kind() Kind      { return KindCreateTenant }
func (UpdateTenant) Kind() Kind      { return KindUpdateTenant }
func (RequestWithdrawal) Kind() Kind { return KindRequestWithdrawal }

func (RecordPayment) sealed()     {}
func (UpdatePayment) sealed()     {}
func (CreateTenant) sealed()      {}
func (UpdateTenant) sealed()      {}
func (RequestWithdrawal) sealed() {}

func (p RecordPayment) Validate() error {
	if err := required("tenantId", p.TenantID); err != nil {
		return err
	}
	if err := required("agentId", p.AgentID); err != nil {
		return err
	}
	if p.AmountCents <= 0 {
		return invalid("amountCents must be positive")
	}
	if _, err := time.Parse(time.DateOnly, p.PaidOn); err != nil {
		return invalid("paidOn must be YYYY-MM-DD")
	}
	if p.ReferrerAgentID != "" && p.ReferrerAgentID == p.AgentID {
		return invalid("referrerAgentId must differ from agentId")
	}
	return nil
}

func (p UpdatePayment) Validate() error {
	if err := required("paymentId", p.PaymentID); err != nil {
		return err
	}
	if p.AmountCents != nil && *p.AmountCents <= 0 {
		return invalid("amountCents must be positive")
	}
	return nil
}

func (p CreateTenant) Validate() error {
	if err := required("tenantId", p.TenantID); err != nil {
		return err
	}
	if err := required("name", p.Name); err != nil {
		return err
	}
	if err := required("agentId", p.AgentID); err != nil {
		return err
	}
	if p.DailyRentCents <= 0 {
		return invalid("dailyRentCents must be positive")
	}
	return nil
}

func (p UpdateTenant) Validate() error {
	if err := required("tenantId", p.TenantID); err != nil {
		return err
	}
	if p.Name == nil && p.Phone == nil && p.DailyRentCents == nil && p.Status == nil {
		return invalid("nothing to update")
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return invalid("name must not be empty")
	}
	if p.DailyRentCents != nil && *p.DailyRentCents <= 0 {
		return invalid("dailyRentCents must be positive")
	}
	if p.Status != nil {
		switch *p.Status {
		case TenantActive, TenantDormant, TenantEvicted:
		default:
			return invalid(fmt.Sprintf("unknown tenant status %q", *p.Status))
		}
	}
	return nil
}

func (p RequestWithdrawal) Validate() error {
	if err := required("agentId", p.AgentID); err != nil {
		return err
	}
	if p.AmountCents <= 0 {
		return invalid("amountCents must be positive")
	}
	switch p.Method {
	case MethodMobileMoney, MethodBank, MethodCash:
	default:
		return invalid(fmt.Sprintf("unknown withdrawal method %q", p.Method))
	}
	return nil
}

// DecodeAction builds a typed, validated action from its tag and JSON payload.
func DecodeAction(kind Kind, raw json.RawMessage) (Action, error) {
	var (
		a   Action
		err error
	)
	switch kind {
	case KindRecordPayment:
		a, err = decode[RecordPayment](raw)
	case KindUpdatePayment:
		a, err = decode[UpdatePayment](raw)
	case KindCreateTenant:
		a, err = decode[CreateTenant](raw)
	case KindUpdateTenant:
		a, err = decode[UpdateTenant](raw)
	case KindRequestWithdrawal:
		a, err = decode[RequestWithdrawal](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return a, nil
}

func decode[T Action](raw json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 {
		return v, invalid("payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return v, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(field + " is required")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}
