package transform

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mapping names the CRM custom fields the account and app transformers
// read. The CRM list is workspace-specific, so the names are configurable;
// the defaults match the production workspace.
type Mapping struct {
	Accounts AccountMapping `yaml:"accounts"`
	Apps     AppMapping     `yaml:"apps"`
}

// AccountMapping names the custom fields on the accounts CRM list.
type AccountMapping struct {
	DiscountField string `yaml:"discount_field"`
	RevenueField  string `yaml:"revenue_field"`
	ListRefsField string `yaml:"list_refs_field"`
}

// AppMapping names the custom fields on the apps CRM list.
type AppMapping struct {
	AccountRefsField string `yaml:"account_refs_field"`
}

// DefaultMapping returns the production custom-field names.
func DefaultMapping() Mapping {
	return Mapping{
		Accounts: AccountMapping{
			DiscountField: "Discount",
			RevenueField:  "MRR",
			ListRefsField: "Delivery Lists",
		},
		Apps: AppMapping{
			AccountRefsField: "Accounts",
		},
	}
}

// LoadMapping reads a mapping override file. Fields left empty in the file
// keep their defaults.
func LoadMapping(path string) (Mapping, error) {
	m := DefaultMapping()

	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read mapping file: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse mapping file %s: %w", path, err)
	}

	def := DefaultMapping()
	if m.Accounts.DiscountField == "" {
		m.Accounts.DiscountField = def.Accounts.DiscountField
	}
	if m.Accounts.RevenueField == "" {
		m.Accounts.RevenueField = def.Accounts.RevenueField
	}
	if m.Accounts.ListRefsField == "" {
		m.Accounts.ListRefsField = def.Accounts.ListRefsField
	}
	if m.Apps.AccountRefsField == "" {
		m.Apps.AccountRefsField = def.Apps.AccountRefsField
	}
	return m, nil
}
