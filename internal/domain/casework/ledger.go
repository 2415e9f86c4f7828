package casework

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/db"
)

// Assignee is the user a case is handed to, with the type of their role.
type Assignee struct {
	UserID   int64
	RoleType string
}

// Ledger records who is responsible for a case. It is the only writer of
// medical_cases.assigned_to.
type Ledger struct {
	tx          db.Transactor
	cases       CaseRepository
	assignments AssignmentRepository
	audit       *AuditRecorder
	now         func() time.Time
}

func NewLedger(tx db.Transactor, cases CaseRepository, assignments AssignmentRepository, audit *AuditRecorder) *Ledger {
	return &Ledger{tx: tx, cases: cases, assignments: assignments, audit: audit, now: time.Now}
}

// Assign hands the case to `to`, who must hold the role of step. The case row
// stays locked from the read through the pointer update and its audit row, so
// concurrent assignments serialize.
func (l *Ledger) Assign(ctx context.Context, caseID, byUserID int64, to Assignee, step Role, notes string) (*CaseAssignment, error) {
	if to.UserID == 0 {
		return nil, fmt.Errorf("%w: assignee is required", apperror.ErrValidationFailed)
	}
	if to.RoleType != string(step) {
		return nil, fmt.Errorf("%w: user %d has role %q, step requires %q",
			apperror.ErrNotEligible, to.UserID, to.RoleType, step)
	}

	var out *CaseAssignment
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := l.cases.GetForUpdate(ctx, caseID)
		if err != nil {
			return err
		}

		a := &CaseAssignment{
			CaseID:        c.ID,
			CaseVersionID: c.CurrentVersionID,
			AssignedBy:    byUserID,
			AssignedTo:    to.UserID,
			AssignedAt:    l.now().UTC(),
			Notes:         nullable(notes),
		}
		if err := l.assignments.Append(ctx, a); err != nil {
			return err
		}
		if err := l.cases.SetAssignedTo(ctx, c.ID, to.UserID); err != nil {
			return err
		}

		var previous string
		if c.AssignedTo != nil {
			previous = strconv.FormatInt(*c.AssignedTo, 10)
		}
		c.AssignedTo = ptr(to.UserID)
		if _, err := l.audit.Record(ctx, c, "assigned_to", previous, strconv.FormatInt(to.UserID, 10), byUserID); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Current returns the newest assignment, or nil when there is none.
func (l *Ledger) Current(ctx context.Context, caseID int64) (*CaseAssignment, error) {
	if _, err := l.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return l.assignments.Latest(ctx, caseID)
}

// History returns every assignment of the case, newest first. Each call
// reads storage again.
func (l *Ledger) History(ctx context.Context, caseID int64) ([]*CaseAssignment, error) {
	if _, err := l.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return l.assignments.ListByCase(ctx, caseID)
}
