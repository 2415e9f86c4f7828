package casework

import (
	"context"
	"fmt"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/db"
)

// NoOpPolicy decides what a status write does when the value is unchanged.
type NoOpPolicy int

const (
	// SkipUnchanged writes nothing and records no audit row.
	SkipUnchanged NoOpPolicy = iota
	// AuditAlways records an audit row with equal old and new values.
	AuditAlways
)

type presentation struct {
	label string
	color string
}

var statuses = map[Status]presentation{
	StatusDraft:      {"Draft", "bg-gray-100 text-gray-800"},
	StatusAssigned:   {"Assigned", "bg-blue-100 text-blue-800"},
	StatusInProgress: {"In Progress", "bg-yellow-100 text-yellow-800"},
	StatusReview:     {"Under Review", "bg-purple-100 text-purple-800"},
	StatusCompleted:  {"Completed", "bg-green-100 text-green-800"},
	StatusCancelled:  {"Cancelled", "bg-red-100 text-red-800"},
}

var priorities = map[Priority]presentation{
	PriorityLow:    {"Low", "bg-gray-100 text-gray-800"},
	PriorityMedium: {"Medium", "bg-blue-100 text-blue-800"},
	PriorityHigh:   {"High", "bg-orange-100 text-orange-800"},
	PriorityUrgent: {"Urgent", "bg-red-100 text-red-800"},
}

// Valid reports whether s belongs to the status vocabulary.
func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

func (p Priority) Valid() bool {
	_, ok := priorities[p]
	return ok
}

// ParseStatus validates a raw status value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", apperror.ErrInvalidStatus, s)
	}
	return st, nil
}

// ParseRole accepts "technician", "scientist" or "doctor".
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role track %q", apperror.ErrInvalidStatus, s)
}

// overallRank orders the statuses that can lead the derived status.
// review sits between assigned and in_progress; cancelled ranks with draft.
var overallRank = map[Status]int{
	StatusDraft:      0,
	StatusCancelled:  0,
	StatusInProgress: 1,
	StatusReview:     2,
	StatusAssigned:   3,
	StatusCompleted:  4,
}

// OverallStatus returns the most advanced of the three tracks under
// completed > assigned > review > in_progress > draft. Unset tracks count as
// draft. A case whose three tracks are all cancelled is cancelled.
func OverallStatus(technician, scientist, doctor Status) Status {
	tracks := [3]Status{technician, scientist, doctor}
	best := StatusDraft
	cancelled := 0
	for _, s := range tracks {
		if s == "" {
			s = StatusDraft
		}
		if s == StatusCancelled {
			cancelled++
			continue
		}
		if overallRank[s] > overallRank[best] {
			best = s
		}
	}
	if cancelled == len(tracks) {
		return StatusCancelled
	}
	return best
}

func StatusLabel(s Status) string {
	if p, ok := statuses[s]; ok {
		return p.label
	}
	return string(s)
}

func ColorClass(s Status) string {
	if p, ok := statuses[s]; ok {
		return p.color
	}
	return statuses[StatusDraft].color
}

func PriorityLabel(p Priority) string {
	if v, ok := priorities[p]; ok {
		return v.label
	}
	return string(p)
}

func PriorityColor(p Priority) string {
	if v, ok := priorities[p]; ok {
		return v.color
	}
	return priorities[PriorityMedium].color
}

// StatusEngine mutates the role tracks and the global status. Every write
// commits together with its audit row.
type StatusEngine struct {
	tx     db.Transactor
	cases  CaseRepository
	audit  *AuditRecorder
	policy NoOpPolicy
}

func NewStatusEngine(tx db.Transactor, cases CaseRepository, audit *AuditRecorder, policy NoOpPolicy) *StatusEngine {
	return &StatusEngine{tx: tx, cases: cases, audit: audit, policy: policy}
}

// SetRoleStatus writes one role track. The other tracks and the global
// status are untouched.
func (e *StatusEngine) SetRoleStatus(ctx context.Context, caseID int64, role Role, status Status, changedBy int64) (*MedicalCase, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", apperror.ErrInvalidStatus, status)
	}

	var out *MedicalCase
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := e.cases.GetForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		old := c.RoleStatus(role)
		if old == status && e.policy == SkipUnchanged {
			out = c
			return nil
		}
		if old != status {
			if err := e.cases.SetRoleStatus(ctx, caseID, role, status); err != nil {
				return err
			}
			c.setRoleStatus(role, status)
		}
		if _, err := e.audit.Record(ctx, c, role.Field(), string(old), string(status), changedBy); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetGlobalStatus writes the administrative status flag.
func (e *StatusEngine) SetGlobalStatus(ctx context.Context, caseID int64, status Status, changedBy int64) (*MedicalCase, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", apperror.ErrInvalidStatus, status)
	}

	var out *MedicalCase
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := e.cases.GetForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		old := c.Status
		if old == status && e.policy == SkipUnchanged {
			out = c
			return nil
		}
		if old != status {
			if err := e.cases.SetStatus(ctx, caseID, status); err != nil {
				return err
			}
			c.Status = status
		}
		if _, err := e.audit.Record(ctx, c, "status", string(old), string(status), changedBy); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
