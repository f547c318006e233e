package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ValidateISODate accepts calendar dates in YYYY-MM-DD form.
func ValidateISODate(s string) error {
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return fmt.Errorf("not an ISO date: %q", s)
	}
	return nil
}

// ValidateAmount accepts non-negative decimal strings ("0", "1234.56").
func ValidateAmount(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("empty amount")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("not a decimal amount: %q", s)
	}
	if r.Sign() < 0 {
		return fmt.Errorf("negative amount: %q", s)
	}
	return nil
}

// ValidateForApproval checks that everything legally required for a KSeF
// submission is present and well-formed. Returned errors name the field.
func (inv *Invoice) ValidateForApproval() error {
	var problems []string

	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, name+" is required")
		}
	}
	require("number", inv.Number)
	require("currency", inv.Currency)
	require("seller.name", inv.Seller.Name)
	require("buyer.name", inv.Buyer.Name)

	if inv.IssueDate == "" {
		problems = append(problems, "issue_date is required")
	} else if err := ValidateISODate(inv.IssueDate); err != nil {
		problems = append(problems, "issue_date: "+err.Error())
	}
	if inv.DueDate != "" {
		if err := ValidateISODate(inv.DueDate); err != nil {
			problems = append(problems, "due_date: "+err.Error())
		}
	}

	for _, c := range []struct{ name, value string }{
		{"seller.tax_id", inv.Seller.TaxID},
		{"buyer.tax_id", inv.Buyer.TaxID},
	} {
		if c.value == "" {
			problems = append(problems, c.name+" is required")
			continue
		}
		if err := ValidateNIP(c.value); err != nil {
			problems = append(problems, c.name+": "+err.Error())
		}
	}

	for _, c := range []struct{ name, value string }{
		{"total_net", inv.TotalNet},
		{"total_vat", inv.TotalVAT},
		{"total_gross", inv.TotalGross},
	} {
		if c.value == "" {
			problems = append(problems, c.name+" is required")
			continue
		}
		if err := ValidateAmount(c.value); err != nil {
			problems = append(problems, c.name+": "+err.Error())
		}
	}

	if len(inv.Lines) == 0 {
		problems = append(problems, "at least one line item is required")
	}

	if len(problems) > 0 {
		return WrapError(ErrInvalidInput, "validate invoice", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}
