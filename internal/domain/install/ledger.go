package install

import (
	"fmt"
	"strings"
	"time"
)

// PhaseRecord is the ledger entry of one phase.
type PhaseRecord struct {
	// Name identifies the phase.
	Name PhaseName `yaml:"name"`
	// Optional copies the phase flag for reporting.
	Optional bool `yaml:"optional,omitempty"`
	// Status is the current status.
	Status PhaseStatus `yaml:"status"`
	// StartedAt is when the phase started running.
	StartedAt time.Time `yaml:"started_at,omitempty"`
	// FinishedAt is when the phase reached a terminal status.
	FinishedAt time.Time `yaml:"finished_at,omitempty"`
	// Error is the failure message of a failed phase.
	Error string `yaml:"error,omitempty"`
}

// Duration returns how long the phase ran, zero when it did not finish.
func (r PhaseRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt)
}

// Ledger records the status of every phase of a session in plan order.
type Ledger struct {
	// records keeps the entries in plan order.
	records []PhaseRecord
}

// NewLedger creates a ledger with every phase pending.
func NewLedger(phases []Phase) *Ledger {
	l := &Ledger{
		records: make([]PhaseRecord, 0, len(phases)),
	}

	for _, phase := range phases {
		l.records = append(l.records, PhaseRecord{
			Name:     phase.Name,
			Optional: phase.Optional,
			Status:   StatusPending,
		})
	}

	return l
}

// Start marks the phase as running. Unknown phases are appended.
func (l *Ledger) Start(name PhaseName, at time.Time) {
	record := l.find(name)
	record.Status = StatusRunning
	record.StartedAt = at
	record.FinishedAt = time.Time{}
	record.Error = ""
}

// Finish stores the terminal status of the phase and the failure message, if any.
func (l *Ledger) Finish(name PhaseName, status PhaseStatus, err error, at time.Time) {
	record := l.find(name)
	record.Status = status
	record.FinishedAt = at

	if err != nil {
		record.Error = err.Error()
	}
}

// find returns the record of the phase, appending one when missing.
func (l *Ledger) find(name PhaseName) *PhaseRecord {
	for i := range l.records {
		if l.records[i].Name == name {
			return &l.records[i]
		}
	}

	l.records = append(l.records, PhaseRecord{Name: name, Status: StatusPending})

	return &l.records[len(l.records)-1]
}

// Record returns a copy of the phase entry.
func (l *Ledger) Record(name PhaseName) (PhaseRecord, bool) {
	for _, record := range l.records {
		if record.Name == name {
			return record, true
		}
	}

	return PhaseRecord{}, false
}

// Status returns the phase status, pending for unknown phases.
func (l *Ledger) Status(name PhaseName) PhaseStatus {
	record, ok := l.Record(name)
	if !ok {
		return StatusPending
	}

	return record.Status
}

// Records returns a copy of all entries in plan order.
func (l *Ledger) Records() []PhaseRecord {
	return append([]PhaseRecord(nil), l.records...)
}

// Clone returns an independent copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}

	return &Ledger{records: l.Records()}
}

// Failed lists the phases that ended in failure.
func (l *Ledger) Failed() []PhaseName {
	var failed []PhaseName

	for _, record := range l.records {
		if record.Status == StatusFailed {
			failed = append(failed, record.Name)
		}
	}

	return failed
}

// Summary renders the ledger on one line, e.g. "validate=success, download=failed".
func (l *Ledger) Summary() string {
	parts := make([]string, 0, len(l.records))
	for _, record := range l.records {
		parts = append(parts, fmt.Sprintf("%s=%s", record.Name, record.Status))
	}

	return strings.Join(parts, ", ")
}
