package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/houbamydar/clientdesk/internal/store"
)

// Actor identifies who triggered a mutation.
type Actor struct {
	Name      string
	RemoteIP  string
	RequestID string
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	actor.Name = strings.TrimSpace(actor.Name)
	actor.RemoteIP = strings.TrimSpace(actor.RemoteIP)
	actor.RequestID = strings.TrimSpace(actor.RequestID)
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) Actor {
	if ctx == nil {
		return Actor{Name: "system"}
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.Name == "" {
		actor.Name = "system"
	}
	return actor
}

type ApiLogWriter interface {
	CreateApiLogEntry(ctx context.Context, entry store.ApiLogEntry) error
}

func (s *ClientsService) logAndAudit(ctx context.Context, operation string, realm string, target string, success bool, opErr error, message string, details map[string]any) {
	actor := ActorFromContext(ctx)
	if success {
		log.Printf("keycloak action=%s realm=%s target=%s actor=%s request_id=%s success=true", operation, realm, target, actor.Name, actor.RequestID)
	} else {
		log.Printf("keycloak action=%s realm=%s target=%s actor=%s request_id=%s success=false error=%v", operation, realm, target, actor.Name, actor.RequestID, opErr)
	}

	if s.audit == nil {
		return
	}
	entry := store.ApiLogEntry{
		Operation:   operation,
		Actor:       actor.Name,
		Realm:       realm,
		TargetID:    target,
		Success:     success,
		RequestID:   actor.RequestID,
		RemoteIP:    actor.RemoteIP,
		Message:     message,
		DetailsJSON: buildAuditDetailsJSON(details, opErr),
	}
	// Audit rows outlive a cancelled request.
	if err := s.audit.CreateApiLogEntry(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("api log insert failed action=%s realm=%s target=%s error=%v", operation, realm, target, err)
	}
}

func buildAuditDetailsJSON(details map[string]any, opErr error) json.RawMessage {
	payload := SanitizeAuditDetails(details)
	if opErr != nil && payload["error"] == nil {
		payload["error"] = AuditErrorCode(opErr)
	}
	if len(payload) == 0 {
		return json.RawMessage(`{}`)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// SanitizeAuditDetails drops keys that may carry credentials.
func SanitizeAuditDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for key, value := range details {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, "secret") ||
			strings.Contains(lower, "token") ||
			strings.Contains(lower, "password") ||
			strings.Contains(lower, "authorization") {
			continue
		}
		out[trimmed] = value
	}
	return out
}

func AuditErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnknownRealm):
		return "unknown_realm"
	case errors.Is(err, ErrRoleAssignmentExcluded):
		return "role_assignment_excluded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "keycloak_error"
		}
		return "internal_error"
	}
}
