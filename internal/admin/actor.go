package admin

import (
	"context"
	"strings"

	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/labstack/echo/v4"
)

const (
	adminActorTypeContextKey  = "admin_actor_type"
	adminActorIDContextKey    = "admin_actor_id"
	adminActorAdminContextKey = "admin_actor_is_admin"

	ActorTypeStaff = "staff"
	ActorTypeToken = "token"
)

func SetAdminActor(c echo.Context, actorType string, actorID string) {
	c.Set(adminActorTypeContextKey, strings.TrimSpace(actorType))
	c.Set(adminActorIDContextKey, strings.TrimSpace(actorID))
}

// SetAdminActorIsAdmin records whether the actor may act on every client.
func SetAdminActorIsAdmin(c echo.Context, isAdmin bool) {
	c.Set(adminActorAdminContextKey, isAdmin)
}

func AdminActorFromContext(c echo.Context) (actorType string, actorID string) {
	if rawType, ok := c.Get(adminActorTypeContextKey).(string); ok {
		actorType = strings.TrimSpace(rawType)
	}
	if rawID, ok := c.Get(adminActorIDContextKey).(string); ok {
		actorID = strings.TrimSpace(rawID)
	}
	return actorType, actorID
}

func AdminActorIsAdmin(c echo.Context) bool {
	isAdmin, _ := c.Get(adminActorAdminContextKey).(bool)
	return isAdmin
}

// ActorName is the value written to the audit log actor column: the staff
// username, or "type:id" for non-staff callers.
func ActorName(c echo.Context) string {
	actorType, actorID := AdminActorFromContext(c)
	switch {
	case actorID == "":
		return "anonymous"
	case actorType == ActorTypeStaff || actorType == "":
		return actorID
	default:
		return actorType + ":" + actorID
	}
}

// AuditContext carries the request's actor into service calls that audit.
func AuditContext(c echo.Context) context.Context {
	return keycloak.WithActor(c.Request().Context(), keycloak.Actor{
		Name:      ActorName(c),
		RemoteIP:  c.RealIP(),
		RequestID: RequestIDFromContext(c),
	})
}
