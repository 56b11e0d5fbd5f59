package model

import "time"

// Frequency is the recurrence cadence of a rule.
type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

// Attachment is a file reference shared by every occurrence of a series.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// Template is the recurring event definition shared by all its occurrences.
// It is never modified on behalf of a single occurrence.
type Template struct {
	ID             string
	OrganizationID string

	// OriginalSeriesID is the root of the series this template belongs to.
	// Splitting a series ("this and following") creates a new template that
	// keeps the same OriginalSeriesID.
	OriginalSeriesID string

	Name        string
	Description string
	Location    string

	AllDay         bool
	IsPublic       bool
	IsRegisterable bool
	IsActive       bool

	// StartAt / EndAt anchor the first occurrence. Every generated instance
	// lasts EndAt - StartAt.
	StartAt time.Time
	EndAt   time.Time

	CreatorID string
	UpdaterID string
	CreatedAt time.Time
	UpdatedAt time.Time

	Attachments []Attachment
}

// Duration is the length of every occurrence of the template.
func (t Template) Duration() time.Duration {
	if t.EndAt.Before(t.StartAt) {
		return 0
	}
	return t.EndAt.Sub(t.StartAt)
}

// RecurrenceRule is the law governing which timestamps are occurrences of a
// template. Count and Until are both optional; a rule with neither is
// unbounded.
type RecurrenceRule struct {
	ID                   string
	BaseRecurringEventID string
	OrganizationID       string

	Frequency Frequency
	Interval  int

	Count *int
	Until *time.Time

	ByDay      []string // MO, TU, WE, TH, FR, SA, SU
	ByMonthDay []int
	ByMonth    []int

	// RecurrenceStartDate is DTSTART. Zero means "use the template's StartAt".
	RecurrenceStartDate time.Time
}

// Bounded reports whether the rule has a terminating condition.
func (r RecurrenceRule) Bounded() bool {
	return (r.Count != nil && *r.Count > 0) || r.Until != nil
}

// GeneratedInstance is a materialized row for one concrete occurrence.
// (BaseRecurringEventID, OriginalInstanceStartTime) is its identity and never
// changes, even if the occurrence is rescheduled through an exception.
type GeneratedInstance struct {
	ID                        string
	BaseRecurringEventID      string
	RecurrenceRuleID          string
	OriginalInstanceStartTime time.Time
	ActualStartTime           time.Time
	ActualEndTime             time.Time
	IsCancelled               bool
	OrganizationID            string
	SequenceNumber            int
	TotalCount                *int
	GeneratedAt               time.Time
	LastUpdatedAt             time.Time
	Version                   int
}

// Exception is a per-occurrence override. ExceptionData is an untyped bag of
// partial field overrides; only whitelisted keys are honored on resolution.
type Exception struct {
	ID                       string
	RecurringEventInstanceID string
	BaseRecurringEventID     string
	ExceptionData            map[string]any
	OrganizationID           string
	CreatorID                string
	UpdaterID                string
	CreatedAt                time.Time
	UpdatedAt                *time.Time

	// InstanceStartTime identifies the logical occurrence for exceptions
	// recorded before the instance row exists (RecurringEventInstanceID empty).
	InstanceStartTime *time.Time
}

// ResolvedInstance is the client-facing merge of template, instance and
// exception. It is computed on read and never persisted.
type ResolvedInstance struct {
	// Template-derived (overridable) fields.
	Name           string
	Description    string
	Location       string
	AllDay         bool
	IsPublic       bool
	IsRegisterable bool
	CreatorID      string
	UpdaterID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Attachments    []Attachment

	OriginalSeriesID string

	// Instance-owned fields.
	ID                        string
	BaseRecurringEventID      string
	RecurrenceRuleID          string
	OriginalInstanceStartTime time.Time
	ActualStartTime           time.Time
	ActualEndTime             time.Time
	IsCancelled               bool
	OrganizationID            string
	SequenceNumber            int
	TotalCount                *int
	GeneratedAt               time.Time
	LastUpdatedAt             time.Time
	Version                   int

	// Exception metadata.
	HasExceptions        bool
	AppliedExceptionData map[string]any
	ExceptionCreatedBy   *string
	ExceptionCreatedAt   *time.Time
}

// GenerationWindow tracks how far an organization's instances have been
// materialized and where retention currently starts.
type GenerationWindow struct {
	OrganizationID     string
	CurrentWindowEnd   time.Time
	RetentionStart     time.Time
	LastProcessedAt    time.Time
	ProcessedInstances int
}
