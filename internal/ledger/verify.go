package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type Severity string

const (
	SeverityOK      Severity = "ok"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Finding struct {
	Check    string
	Severity Severity
	Detail   string
}

type Report struct {
	ChainID    uint64
	Inspection Inspection
	Findings   []Finding
}

// Healthy is true when no check failed outright.
func (r Report) Healthy() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Verify checks the contract is deployed and usable by user: deployment,
// ownership, authorization and the emergency stop.
func Verify(ctx context.Context, c Contract, chainID uint64, user common.Address) (Report, error) {
	report := Report{ChainID: chainID}

	deployed, err := c.IsDeployed(ctx, chainID)
	if err != nil {
		return report, fmt.Errorf("check deployment: %w", err)
	}
	if !deployed {
		report.Findings = append(report.Findings, Finding{
			Check:    "deployment",
			Severity: SeverityError,
			Detail:   fmt.Sprintf("no contract found at %s on chain %d, deploy it first", c.Address().Hex(), chainID),
		})
		return report, nil
	}

	inspection, err := c.Inspect(ctx, user)
	if err != nil {
		return report, fmt.Errorf("inspect contract: %w", err)
	}
	report.Inspection = inspection
	report.Findings = append(report.Findings, Finding{
		Check:    "deployment",
		Severity: SeverityOK,
		Detail:   fmt.Sprintf("contract exists at %s", c.Address().Hex()),
	})

	isOwner := inspection.Owner == user
	report.Findings = append(report.Findings, Finding{
		Check:    "owner",
		Severity: SeverityOK,
		Detail:   fmt.Sprintf("owner is %s (caller is owner: %t)", inspection.Owner.Hex(), isOwner),
	})

	switch {
	case inspection.Authorized:
		report.Findings = append(report.Findings, Finding{Check: "authorization", Severity: SeverityOK, Detail: "caller is authorized"})
	case isOwner:
		report.Findings = append(report.Findings, Finding{Check: "authorization", Severity: SeverityWarning, Detail: "caller owns the contract but is not authorized; authorize yourself first"})
	default:
		report.Findings = append(report.Findings, Finding{
			Check:    "authorization",
			Severity: SeverityError,
			Detail:   fmt.Sprintf("caller is not authorized; ask the owner (%s) to authorize %s", inspection.Owner.Hex(), user.Hex()),
		})
	}

	if inspection.EmergencyStop {
		report.Findings = append(report.Findings, Finding{Check: "emergency_stop", Severity: SeverityError, Detail: "emergency stop is active"})
	} else {
		report.Findings = append(report.Findings, Finding{Check: "emergency_stop", Severity: SeverityOK, Detail: "emergency stop inactive"})
	}

	return report, nil
}
