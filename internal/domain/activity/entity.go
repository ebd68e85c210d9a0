package activity

import "fmt"

// EntityType names the kind of domain object an event is about
type EntityType string

const (
	EntityUser            EntityType = "user"
	EntityWorkspace       EntityType = "workspace"
	EntityWorkspaceMember EntityType = "workspace_member"
	EntitySection         EntityType = "section"
	EntityTask            EntityType = "task"
	EntityComment         EntityType = "comment"
	EntityAttachment      EntityType = "attachment"
	EntityNotification    EntityType = "notification"
	EntityIntegration     EntityType = "integration"
	EntityAPIKey          EntityType = "api_key"
	EntitySession         EntityType = "session"
)

// EntityTypes returns the closed set of entity types
func EntityTypes() []EntityType {
	return []EntityType{
		EntityUser, EntityWorkspace, EntityWorkspaceMember, EntitySection,
		EntityTask, EntityComment, EntityAttachment, EntityNotification,
		EntityIntegration, EntityAPIKey, EntitySession,
	}
}

// String returns the string representation of the entity type
func (t EntityType) String() string {
	return string(t)
}

// IsValid reports whether the entity type is a declared variant
func (t EntityType) IsValid() bool {
	for _, known := range EntityTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType validates a raw entity type
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown entity type: %q", s)
	}
	return t, nil
}

// Source is the channel the action came in through
type Source string

const (
	SourceWeb         Source = "web"
	SourceAPI         Source = "api"
	SourceMobile      Source = "mobile"
	SourceIntegration Source = "integration"
)

// IsValid reports whether the source is a declared variant
func (s Source) IsValid() bool {
	switch s {
	case SourceWeb, SourceAPI, SourceMobile, SourceIntegration:
		return true
	default:
		return false
	}
}
