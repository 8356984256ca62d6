package schema

import (
	"fmt"
	"time"
)

// AccountRecord is a customer account row sourced from the CRM list.
//
// Accounts are modelled in ClickUp as tasks on a dedicated CRM list whose
// custom fields carry the commercial attributes. Cross-references to the
// delivery lists an account owns are kept as a plain ID slice; they are
// serialized as a JSON array in the warehouse.
type AccountRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	DiscountRate   float64   `json:"discount_rate"`
	MonthlyRevenue float64   `json:"monthly_revenue"`
	ListIDs        []string  `json:"list_ids,omitempty"`
	At             time.Time `json:"at"`
}

// Key implements Record.
func (a *AccountRecord) Key() string { return a.ID }

// ModifiedAt implements Record.
func (a *AccountRecord) ModifiedAt() time.Time { return a.At }

// Validate checks the invariants an account must hold before staging.
func (a *AccountRecord) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.DiscountRate < 0 || a.DiscountRate > 1 {
		return fmt.Errorf("discount rate must be within [0, 1] (got %g)", a.DiscountRate)
	}
	return nil
}

// AppRecord is an application row sourced from the CRM list. An app may be
// billed to zero or more accounts.
type AppRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	AccountIDs []string  `json:"account_ids,omitempty"`
	At         time.Time `json:"at"`
}

// Key implements Record.
func (a *AppRecord) Key() string { return a.ID }

// ModifiedAt implements Record.
func (a *AppRecord) ModifiedAt() time.Time { return a.At }

// Validate checks the invariants an app must hold before staging.
func (a *AppRecord) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}
