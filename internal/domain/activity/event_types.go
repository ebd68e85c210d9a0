package activity

import "fmt"

// EventType identifies what happened. The set is closed: ingestion rejects
// anything not declared here.
type EventType string

// Entity lifecycle events
const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventRestored EventType = "restored"
	EventArchived EventType = "archived"
)

// Transition events
const (
	EventStatusChanged        EventType = "status_changed"
	EventPriorityChanged      EventType = "priority_changed"
	EventDueDateChanged       EventType = "due_date_changed"
	EventAssigned             EventType = "assigned"
	EventUnassigned           EventType = "unassigned"
	EventMoved                EventType = "moved"
	EventReordered            EventType = "reordered"
	EventCompleted            EventType = "completed"
	EventReopened             EventType = "reopened"
	EventOwnershipTransferred EventType = "ownership_transferred"
	EventMemberAdded          EventType = "member_added"
	EventMemberRemoved        EventType = "member_removed"
	EventRoleChanged          EventType = "role_changed"
	EventSettingsChanged      EventType = "settings_changed"
)

// Authentication events
const (
	EventLogin              EventType = "login"
	EventLogout             EventType = "logout"
	EventLoginFailed        EventType = "login_failed"
	EventSignup             EventType = "signup"
	EventPasswordChanged    EventType = "password_changed"
	EventPasswordReset      EventType = "password_reset"
	EventMFAEnabled         EventType = "mfa_enabled"
	EventMFADisabled        EventType = "mfa_disabled"
	EventSessionExpired     EventType = "session_expired"
	EventTokenRefreshed     EventType = "token_refreshed"
	EventPermissionDenied   EventType = "permission_denied"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventRateLimited        EventType = "rate_limited"
	EventAPIKeyCreated      EventType = "api_key_created"
	EventAPIKeyRevoked      EventType = "api_key_revoked"
)

// Search, export and integration events
const (
	EventSearch                  EventType = "search"
	EventExport                  EventType = "export"
	EventImport                  EventType = "import"
	EventIntegrationConnected    EventType = "integration_connected"
	EventIntegrationDisconnected EventType = "integration_disconnected"
	EventIntegrationSynced       EventType = "integration_synced"
	EventIntegrationSyncFailed   EventType = "integration_sync_failed"
	EventWebhookReceived         EventType = "webhook_received"
)

// Collaboration events
const (
	EventCommentAdded       EventType = "comment_added"
	EventCommentEdited      EventType = "comment_edited"
	EventCommentDeleted     EventType = "comment_deleted"
	EventAttachmentAdded    EventType = "attachment_added"
	EventAttachmentRemoved  EventType = "attachment_removed"
	EventMentioned          EventType = "mentioned"
	EventNotificationSent   EventType = "notification_sent"
	EventInvitationSent     EventType = "invitation_sent"
	EventInvitationAccepted EventType = "invitation_accepted"
)

// System events
const (
	EventAPICall             EventType = "api_call"
	EventError               EventType = "error"
	EventBatchOperation      EventType = "batch_operation"
	EventAutomationTriggered EventType = "automation_triggered"
	EventMaintenance         EventType = "maintenance"
)

var eventTypes = map[EventType]Category{
	EventCreated:  CategoryUserAction,
	EventUpdated:  CategoryUserAction,
	EventDeleted:  CategoryUserAction,
	EventRestored: CategoryUserAction,
	EventArchived: CategoryUserAction,

	EventStatusChanged:        CategoryUserAction,
	EventPriorityChanged:      CategoryUserAction,
	EventDueDateChanged:       CategoryUserAction,
	EventAssigned:             CategoryUserAction,
	EventUnassigned:           CategoryUserAction,
	EventMoved:                CategoryUserAction,
	EventReordered:            CategoryUserAction,
	EventCompleted:            CategoryUserAction,
	EventReopened:             CategoryUserAction,
	EventOwnershipTransferred: CategoryUserAction,
	EventMemberAdded:          CategoryUserAction,
	EventMemberRemoved:        CategoryUserAction,
	EventRoleChanged:          CategoryUserAction,
	EventSettingsChanged:      CategoryUserAction,

	EventLogin:              CategorySecurity,
	EventLogout:             CategorySecurity,
	EventLoginFailed:        CategorySecurity,
	EventSignup:             CategorySecurity,
	EventPasswordChanged:    CategorySecurity,
	EventPasswordReset:      CategorySecurity,
	EventMFAEnabled:         CategorySecurity,
	EventMFADisabled:        CategorySecurity,
	EventSessionExpired:     CategorySecurity,
	EventTokenRefreshed:     CategorySecurity,
	EventPermissionDenied:   CategorySecurity,
	EventSuspiciousActivity: CategorySecurity,
	EventRateLimited:        CategorySecurity,
	EventAPIKeyCreated:      CategorySecurity,
	EventAPIKeyRevoked:      CategorySecurity,

	EventSearch:                  CategoryUserAction,
	EventExport:                  CategoryUserAction,
	EventImport:                  CategoryUserAction,
	EventIntegrationConnected:    CategoryIntegration,
	EventIntegrationDisconnected: CategoryIntegration,
	EventIntegrationSynced:       CategoryIntegration,
	EventIntegrationSyncFailed:   CategoryIntegration,
	EventWebhookReceived:         CategoryIntegration,

	EventCommentAdded:       CategoryUserAction,
	EventCommentEdited:      CategoryUserAction,
	EventCommentDeleted:     CategoryUserAction,
	EventAttachmentAdded:    CategoryUserAction,
	EventAttachmentRemoved:  CategoryUserAction,
	EventMentioned:          CategoryUserAction,
	EventNotificationSent:   CategorySystem,
	EventInvitationSent:     CategoryUserAction,
	EventInvitationAccepted: CategoryUserAction,

	EventAPICall:             CategorySystem,
	EventError:               CategoryError,
	EventBatchOperation:      CategorySystem,
	EventAutomationTriggered: CategoryAutomation,
	EventMaintenance:         CategorySystem,
}

// String returns the string representation of the event type
func (et EventType) String() string {
	return string(et)
}

// IsValid reports whether the event type is one of the declared variants
func (et EventType) IsValid() bool {
	_, ok := eventTypes[et]
	return ok
}

// DefaultCategory returns the category an event of this type is filed under
// when the producer does not choose one.
func (et EventType) DefaultCategory() Category {
	if c, ok := eventTypes[et]; ok {
		return c
	}
	return CategorySystem
}

// DefaultSeverity returns the default severity level for this event type
func (et EventType) DefaultSeverity() Severity {
	switch et {
	case EventLoginFailed, EventPermissionDenied, EventRateLimited,
		EventIntegrationSyncFailed, EventMFADisabled:
		return SeverityWarning
	case EventError:
		return SeverityError
	case EventSuspiciousActivity:
		return SeverityCritical
	case EventAPICall, EventTokenRefreshed:
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// IsMutation reports whether the event documents a change to an entity's state
func (et EventType) IsMutation() bool {
	return eventTypes[et] == CategoryUserAction &&
		et != EventSearch && et != EventExport
}

// EventTypes returns every declared event type
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypes))
	for et := range eventTypes {
		out = append(out, et)
	}
	return out
}

// ParseEventType validates a raw value against the closed set
func ParseEventType(s string) (EventType, error) {
	et := EventType(s)
	if !et.IsValid() {
		return "", fmt.Errorf("unknown event type: %q", s)
	}
	return et, nil
}

// Category is the coarse classification of an event
type Category string

const (
	CategoryUserAction  Category = "user_action"
	CategorySystem      Category = "system"
	CategorySecurity    Category = "security"
	CategoryIntegration Category = "integration"
	CategoryAutomation  Category = "automation"
	CategoryError       Category = "error"
)

// Categories lists every category in display order
func Categories() []Category {
	return []Category{
		CategoryUserAction, CategorySystem, CategorySecurity,
		CategoryIntegration, CategoryAutomation, CategoryError,
	}
}

// String returns the string representation of the category
func (c Category) String() string {
	return string(c)
}

// IsValid reports whether the category is a declared variant
func (c Category) IsValid() bool {
	switch c {
	case CategoryUserAction, CategorySystem, CategorySecurity,
		CategoryIntegration, CategoryAutomation, CategoryError:
		return true
	default:
		return false
	}
}

// ParseCategory validates a raw category value
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown category: %q", s)
	}
	return c, nil
}

// Severity levels for activity events
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of the severity
func (s Severity) String() string {
	return string(s)
}

// Rank returns the sort rank of the severity, critical=5 down to debug=1.
// It is used for ordering only, never for filtering.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityError:
		return 4
	case SeverityWarning:
		return 3
	case SeverityInfo:
		return 2
	case SeverityDebug:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the severity is a declared variant
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// ParseSeverity validates a raw severity value
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.IsValid() {
		return "", fmt.Errorf("unknown severity: %q", s)
	}
	return sev, nil
}
