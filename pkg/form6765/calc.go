package form6765

import (
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

var (
	rateRegular        = decimal.RequireFromString("0.20")
	rateRegularReduced = decimal.RequireFromString("0.158")
	rateASC            = decimal.RequireFromString("0.14")
	rateASCNoPrior     = decimal.RequireFromString("0.06")
	factorASCReduced   = decimal.RequireFromString("0.79")
	half               = decimal.RequireFromString("0.5")
	six                = decimal.NewFromInt(6)
	qsbPayrollCap      = decimal.NewFromInt(250000)
)

// Notes records derived facts that accompany a computation.
type Notes struct {
	QRE QRENotes `json:"qre"`
}

// QRENotes echoes the qualified research expense inputs.
type QRENotes struct {
	Wages                 Money   `json:"wages"`
	Supplies              Money   `json:"supplies"`
	Computers             Money   `json:"computers"`
	ContractResearchGross Money   `json:"contract_research_gross"`
	ContractApplicablePct float64 `json:"contract_applicable_pct"`
}

// Result is the output of Compute.
type Result struct {
	Header Header `json:"header"`
	Inputs Inputs `json:"inputs"`
	Lines  Lines  `json:"lines"`
	Notes  Notes  `json:"notes"`
}

func maxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Compute validates the header and inputs, applies defaults and computes lines 1..44.
// Every line is rounded to cents half-up as it is produced; later lines consume the rounded values.
// The REGULAR method requires fixed_base_percentage and avg_annual_gross_receipts.
func Compute(h Header, raw Inputs) (Result, error) {
	in := raw.WithDefaults()
	if err := Validate(h, in); err != nil {
		return Result{}, err
	}
	if in.CreditMethod == MethodRegular {
		var missing []string
		if in.FixedBasePercentage == nil {
			missing = append(missing, "fixed_base_percentage")
		}
		if in.AvgAnnualGrossReceipts == nil {
			missing = append(missing, "avg_annual_gross_receipts")
		}
		if len(missing) > 0 {
			return Result{}, fault.MissingInput(string(MethodRegular), missing...)
		}
	}

	pct := decimal.NewFromFloat(*in.ContractApplicablePct)
	reduced := in.Section280CChoice == Section280CReduced
	contracts := round2(in.QREContractResearchGross.d.Mul(pct))

	var l Lines

	// Section A
	l.Line1 = round2(in.EnergyConsortiaAmount.d)
	l.Line2 = round2(in.BasicResearchPayments.d)
	l.Line3 = round2(in.QualifiedOrgBasePeriodAmount.d)
	l.Line4 = round2(maxZero(l.Line2.d.Sub(l.Line3.d)))
	l.Line5 = round2(in.QREWages.d)
	l.Line6 = round2(in.QRESupplies.d)
	l.Line7 = round2(in.QREComputers.d)
	l.Line8 = contracts
	l.Line9 = round2(l.Line5.d.Add(l.Line6.d).Add(l.Line7.d).Add(l.Line8.d))
	l.Line10FixedBasePct = in.FixedBasePercentage
	if in.AvgAnnualGrossReceipts != nil {
		l.Line11AvgGrossReceipts = round2(in.AvgAnnualGrossReceipts.d)
	}
	if in.FixedBasePercentage != nil && in.AvgAnnualGrossReceipts != nil {
		fixedBase := decimal.NewFromFloat(*in.FixedBasePercentage)
		l.Line12 = round2(l.Line11AvgGrossReceipts.d.Mul(fixedBase))
		l.Line13 = round2(maxZero(l.Line9.d.Sub(l.Line12.d)))
		l.Line14 = round2(l.Line9.d.Mul(half))
		l.Line15 = round2(decimal.Min(l.Line13.d, l.Line14.d))
	}
	l.Line16 = round2(l.Line1.d.Add(l.Line4.d).Add(l.Line15.d))
	regularRate := rateRegular
	if reduced {
		regularRate = rateRegularReduced
	}
	l.Line17 = round2(l.Line16.d.Mul(regularRate))
	l.Line17Section280CElected = &reduced

	// Section B
	l.Line18 = round2(in.EnergyConsortiaAmount.d)
	l.Line19 = round2(in.BasicResearchPayments.d)
	l.Line20 = round2(in.QualifiedOrgBasePeriodAmount.d)
	l.Line21 = round2(maxZero(l.Line19.d.Sub(l.Line20.d)))
	l.Line22 = round2(l.Line18.d.Add(l.Line21.d))
	l.Line23 = round2(l.Line22.d.Mul(rateRegular))
	l.Line24 = round2(in.QREWages.d)
	l.Line25 = round2(in.QRESupplies.d)
	l.Line26 = round2(in.QREComputers.d)
	l.Line27 = contracts
	l.Line28 = round2(l.Line24.d.Add(l.Line25.d).Add(l.Line26.d).Add(l.Line27.d))
	if in.Prior3YearQRETotal != nil {
		l.Line29Prior3YearQRETotal = round2(in.Prior3YearQRETotal.d)
	}
	if l.Line29Prior3YearQRETotal.d.IsPositive() {
		l.Line30 = round2(l.Line29Prior3YearQRETotal.d.Div(six))
		l.Line31 = round2(maxZero(l.Line28.d.Sub(l.Line30.d)))
		l.Line32 = round2(l.Line31.d.Mul(rateASC))
	} else {
		l.Line32 = round2(l.Line28.d.Mul(rateASCNoPrior))
	}
	l.Line33 = round2(l.Line23.d.Add(l.Line32.d))
	if reduced {
		l.Line34 = round2(l.Line33.d.Mul(factorASCReduced))
	} else {
		l.Line34 = l.Line33
	}
	l.Line34Section280CElected = &reduced

	// Section C
	l.Line35 = round2(in.Form8932OverlapWagesCredit.d)
	chosen := l.Line34
	if in.CreditMethod == MethodRegular {
		chosen = l.Line17
	}
	l.Line36 = round2(maxZero(chosen.d.Sub(l.Line35.d)))
	l.Line37 = round2(in.PassThroughCredit.d)
	l.Line38 = round2(l.Line36.d.Add(l.Line37.d))
	l.Line39 = Money{}
	l.Line40 = round2(l.Line38.d.Sub(l.Line39.d))

	// Section D
	qsb := in.IsQSBPayrollElection
	l.Line41QSBElection = &qsb
	if qsb {
		l.Line42 = round2(decimal.Min(in.PayrollTaxCreditElected.d, qsbPayrollCap))
		l.Line43 = round2(in.GeneralBusinessCreditCarryforward.d)
		l.Line44 = round2(decimal.Min(l.Line36.d, l.Line42.d, l.Line43.d))
	}

	return Result{
		Header: h,
		Inputs: in,
		Lines:  l,
		Notes: Notes{QRE: QRENotes{
			Wages:                 in.QREWages,
			Supplies:              in.QRESupplies,
			Computers:             in.QREComputers,
			ContractResearchGross: in.QREContractResearchGross,
			ContractApplicablePct: *in.ContractApplicablePct,
		}},
	}, nil
}
