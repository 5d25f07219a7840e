// Package form6765 computes the lines of IRS Form 6765 (Credit for Increasing Research Activities,
// Rev. 12-2020) from typed inputs. The arithmetic is a pure function; it is not tax advice.
package form6765

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

// CreditMethod selects Section A (regular) or Section B (alternative simplified credit).
type CreditMethod string

const (
	MethodRegular CreditMethod = "REGULAR"
	MethodASC     CreditMethod = "ASC"
)

// Section280C is the reduced-credit election.
type Section280C string

const (
	Section280CReduced Section280C = "REDUCED"
	Section280CFull    Section280C = "FULL"
)

// DefaultContractPct is the share of contract research gross that qualifies.
const DefaultContractPct = 0.65

// Header holds the taxpayer identifiers printed at the top of the form.
type Header struct {
	TaxYear           int    `json:"tax_year" validate:"gte=1990,lte=2100"`
	NameOnReturn      string `json:"name_on_return" validate:"required,max=200"`
	IdentifyingNumber string `json:"identifying_number" validate:"required,max=32"`
}

// Inputs are the finance figures the form is computed from.
type Inputs struct {
	QREWages                 Money    `json:"qre_wages" validate:"gte=0"`
	QRESupplies              Money    `json:"qre_supplies" validate:"gte=0"`
	QREComputers             Money    `json:"qre_computers" validate:"gte=0"`
	QREContractResearchGross Money    `json:"qre_contract_research_gross" validate:"gte=0"`
	ContractApplicablePct    *float64 `json:"contract_applicable_pct" validate:"omitempty,gte=0,lte=1"`

	FixedBasePercentage    *float64 `json:"fixed_base_percentage,omitempty" validate:"omitempty,gte=0,lte=0.16"`
	AvgAnnualGrossReceipts *Money   `json:"avg_annual_gross_receipts,omitempty" validate:"omitempty,gte=0"`

	Prior3YearQRETotal *Money `json:"prior_3_year_qre_total,omitempty" validate:"omitempty,gte=0"`

	EnergyConsortiaAmount        Money `json:"energy_consortia_amount" validate:"gte=0"`
	BasicResearchPayments        Money `json:"basic_research_payments" validate:"gte=0"`
	QualifiedOrgBasePeriodAmount Money `json:"qualified_org_base_period_amount" validate:"gte=0"`

	Form8932OverlapWagesCredit Money `json:"form_8932_overlap_wages_credit" validate:"gte=0"`
	PassThroughCredit          Money `json:"pass_through_credit" validate:"gte=0"`

	IsQSBPayrollElection              bool  `json:"is_qsb_payroll_election"`
	PayrollTaxCreditElected           Money `json:"payroll_tax_credit_elected" validate:"gte=0"`
	GeneralBusinessCreditCarryforward Money `json:"general_business_credit_carryforward" validate:"gte=0"`

	CreditMethod      CreditMethod `json:"credit_method" validate:"omitempty,oneof=REGULAR ASC"`
	Section280CChoice Section280C  `json:"section_280c_choice" validate:"omitempty,oneof=REDUCED FULL"`
}

// WithDefaults fills unset method, election and contract percentage.
func (in Inputs) WithDefaults() Inputs {
	if in.CreditMethod == "" {
		in.CreditMethod = MethodASC
	}
	if in.Section280CChoice == "" {
		in.Section280CChoice = Section280CFull
	}
	if in.ContractApplicablePct == nil {
		pct := DefaultContractPct
		in.ContractApplicablePct = &pct
	}
	return in
}

// Lines captures every numeric line 1..44.
type Lines struct {
	// Section A, regular credit
	Line1                    Money    `json:"line_1"`
	Line2                    Money    `json:"line_2"`
	Line3                    Money    `json:"line_3"`
	Line4                    Money    `json:"line_4"`
	Line5                    Money    `json:"line_5"`
	Line6                    Money    `json:"line_6"`
	Line7                    Money    `json:"line_7"`
	Line8                    Money    `json:"line_8"`
	Line9                    Money    `json:"line_9"`
	Line10FixedBasePct       *float64 `json:"line_10_fixed_base_pct"`
	Line11AvgGrossReceipts   Money    `json:"line_11_avg_gross_receipts"`
	Line12                   Money    `json:"line_12"`
	Line13                   Money    `json:"line_13"`
	Line14                   Money    `json:"line_14"`
	Line15                   Money    `json:"line_15"`
	Line16                   Money    `json:"line_16"`
	Line17                   Money    `json:"line_17"`
	Line17Section280CElected *bool    `json:"line_17_280c_elected"`

	// Section B, alternative simplified credit
	Line18                   Money `json:"line_18"`
	Line19                   Money `json:"line_19"`
	Line20                   Money `json:"line_20"`
	Line21                   Money `json:"line_21"`
	Line22                   Money `json:"line_22"`
	Line23                   Money `json:"line_23"`
	Line24                   Money `json:"line_24"`
	Line25                   Money `json:"line_25"`
	Line26                   Money `json:"line_26"`
	Line27                   Money `json:"line_27"`
	Line28                   Money `json:"line_28"`
	Line29Prior3YearQRETotal Money `json:"line_29_prior_3_year_qre_total"`
	Line30                   Money `json:"line_30"`
	Line31                   Money `json:"line_31"`
	Line32                   Money `json:"line_32"`
	Line33                   Money `json:"line_33"`
	Line34                   Money `json:"line_34"`
	Line34Section280CElected *bool `json:"line_34_280c_elected"`

	// Section C, current year credit
	Line35 Money `json:"line_35"`
	Line36 Money `json:"line_36"`
	Line37 Money `json:"line_37"`
	Line38 Money `json:"line_38"`
	Line39 Money `json:"line_39"`
	Line40 Money `json:"line_40"`

	// Section D, payroll tax election
	Line41QSBElection *bool `json:"line_41_qsb_election"`
	Line42            Money `json:"line_42"`
	Line43            Money `json:"line_43"`
	Line44            Money `json:"line_44"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
			if m, ok := v.Interface().(Money); ok {
				return m.Float64()
			}
			return nil
		}, Money{})
	})
	return validate
}

// Validate checks field ranges of the header and inputs.
func Validate(h Header, in Inputs) error {
	v := structValidator()
	if err := v.Struct(h); err != nil {
		return validationFault("header", err)
	}
	if err := v.Struct(in); err != nil {
		return validationFault("inputs", err)
	}
	return nil
}

func validationFault(section string, err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fault.Validation("%s: %v", section, err)
	}
	fields := make([]map[string]any, 0, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]any{
			"field": fe.Field(),
			"rule":  fe.Tag(),
			"param": fe.Param(),
		})
		names = append(names, fe.Field())
	}
	return fault.Validation("%s: invalid fields %s", section, strings.Join(names, ", ")).
		With("section", section).
		With("fields", fields)
}
