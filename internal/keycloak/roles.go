package keycloak

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

func (s *ClientsService) clientRoles(ctx context.Context, realm string, clientUUID string) ([]Role, error) {
	var reps []roleRepresentation
	if err := s.api.get(ctx, realm, "/clients/"+url.PathEscape(clientUUID)+"/roles", &reps); err != nil {
		return nil, fmt.Errorf("list client roles: %w", err)
	}
	roles := make([]Role, 0, len(reps))
	for _, rep := range reps {
		roles = append(roles, rep.role())
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (s *ClientsService) serviceAccountUser(ctx context.Context, realm string, clientUUID string) (userRepresentation, error) {
	var user userRepresentation
	if err := s.api.get(ctx, realm, "/clients/"+url.PathEscape(clientUUID)+"/service-account-user", &user); err != nil {
		return userRepresentation{}, fmt.Errorf("load service account user: %w", err)
	}
	if user.ID == "" {
		return userRepresentation{}, fmt.Errorf("service account user: %w", ErrNotFound)
	}
	return user, nil
}

func (s *ClientsService) serviceAccountRoles(ctx context.Context, realm string, clientUUID string) ([]ServiceRole, error) {
	user, err := s.serviceAccountUser(ctx, realm, clientUUID)
	if err != nil {
		return nil, err
	}
	var mappings mappingsRepresentation
	if err := s.api.get(ctx, realm, "/users/"+url.PathEscape(user.ID)+"/role-mappings", &mappings); err != nil {
		return nil, fmt.Errorf("load service account role mappings: %w", err)
	}

	out := make([]ServiceRole, 0)
	for key, mapping := range mappings.ClientMappings {
		owner := mapping.Client
		if owner == "" {
			owner = key
		}
		for _, rep := range mapping.Mappings {
			out = append(out, ServiceRole{ClientID: owner, ClientUUID: mapping.ID, Role: rep.role()})
		}
	}
	sortServiceRoles(out)
	return out, nil
}

func (s *ClientsService) CreateRole(ctx context.Context, realm string, clientID string, name string, description string) (err error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	name = strings.TrimSpace(name)
	details := map[string]any{"role": name}
	defer func() {
		s.logAndAudit(ctx, "role.create", realm, clientID, err == nil, err, "", details)
	}()

	if name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	rep, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return err
	}
	role := roleRepresentation{Name: name, Description: strings.TrimSpace(description)}
	if err := s.api.post(ctx, realm, "/clients/"+url.PathEscape(rep.ID)+"/roles", role, nil); err != nil {
		return fmt.Errorf("create role %s on %s: %w", name, clientID, err)
	}
	return nil
}

func (s *ClientsService) DeleteRole(ctx context.Context, realm string, clientID string, name string) (err error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	name = strings.TrimSpace(name)
	details := map[string]any{"role": name}
	defer func() {
		s.logAndAudit(ctx, "role.delete", realm, clientID, err == nil, err, "", details)
	}()

	if name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	rep, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return err
	}
	if err := s.api.delete(ctx, realm, "/clients/"+url.PathEscape(rep.ID)+"/roles/"+url.PathEscape(name), nil); err != nil {
		return fmt.Errorf("delete role %s on %s: %w", name, clientID, err)
	}
	return nil
}

// AssignableServiceRoles lists roles of the realm's other clients that could
// be mapped to this client's service account. Excluded clients and roles
// already mapped are left out.
func (s *ClientsService) AssignableServiceRoles(ctx context.Context, realm string, clientID string) ([]ServiceRole, error) {
	realm = strings.TrimSpace(realm)
	target, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return nil, err
	}
	if !target.ServiceAccountsEnabled {
		return []ServiceRole{}, nil
	}

	excluded, err := s.excludedClients(ctx, realm)
	if err != nil {
		return nil, err
	}
	assigned, err := s.serviceAccountRoles(ctx, realm, target.ID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(assigned))
	for _, item := range assigned {
		taken[item.ClientUUID+"/"+item.Role.Name] = struct{}{}
	}

	clients, err := s.List(ctx, realm)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceRole, 0)
	for _, client := range clients {
		if client.ID == target.ID {
			continue
		}
		if _, skip := excluded[client.ClientID]; skip {
			continue
		}
		roles, err := s.clientRoles(ctx, realm, client.ID)
		if err != nil {
			return nil, err
		}
		for _, role := range roles {
			if _, ok := taken[client.ID+"/"+role.Name]; ok {
				continue
			}
			out = append(out, ServiceRole{ClientID: client.ClientID, ClientUUID: client.ID, Role: role})
		}
	}
	sortServiceRoles(out)
	return out, nil
}

func (s *ClientsService) AssignServiceRole(ctx context.Context, realm string, clientID string, roleClientID string, roleName string) error {
	return s.changeServiceRole(ctx, "service_role.assign", realm, clientID, roleClientID, roleName)
}

func (s *ClientsService) RemoveServiceRole(ctx context.Context, realm string, clientID string, roleClientID string, roleName string) error {
	return s.changeServiceRole(ctx, "service_role.remove", realm, clientID, roleClientID, roleName)
}

func (s *ClientsService) changeServiceRole(ctx context.Context, operation string, realm string, clientID string, roleClientID string, roleName string) (err error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	roleClientID = strings.TrimSpace(roleClientID)
	roleName = strings.TrimSpace(roleName)
	assign := operation == "service_role.assign"
	details := map[string]any{"role_client_id": roleClientID, "role": roleName}
	defer func() {
		s.logAndAudit(ctx, operation, realm, clientID, err == nil, err, roleClientID+"/"+roleName, details)
	}()

	if roleClientID == "" || roleName == "" {
		return fmt.Errorf("%w: role client and role name are required", ErrInvalidInput)
	}
	if roleClientID == clientID {
		return fmt.Errorf("%w: a client cannot map its own roles to its service account", ErrInvalidInput)
	}
	target, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return err
	}
	if !target.ServiceAccountsEnabled {
		return fmt.Errorf("%w: service accounts are disabled for %s", ErrInvalidInput, clientID)
	}
	if assign && s.exclusions != nil {
		excluded, err := s.exclusions.IsServiceRoleExcluded(ctx, realm, roleClientID)
		if err != nil {
			return fmt.Errorf("check service role exclusion: %w", err)
		}
		if excluded {
			return fmt.Errorf("%w: %s", ErrRoleAssignmentExcluded, roleClientID)
		}
	}

	owner, err := s.findRepresentation(ctx, realm, roleClientID)
	if err != nil {
		return err
	}
	var role roleRepresentation
	rolePath := "/clients/" + url.PathEscape(owner.ID) + "/roles/" + url.PathEscape(roleName)
	if err := s.api.get(ctx, realm, rolePath, &role); err != nil {
		return fmt.Errorf("load role %s/%s: %w", roleClientID, roleName, err)
	}
	user, err := s.serviceAccountUser(ctx, realm, target.ID)
	if err != nil {
		return err
	}

	mappingPath := "/users/" + url.PathEscape(user.ID) + "/role-mappings/clients/" + url.PathEscape(owner.ID)
	body := []roleRepresentation{role}
	if assign {
		err = s.api.post(ctx, realm, mappingPath, body, nil)
	} else {
		err = s.api.delete(ctx, realm, mappingPath, body)
	}
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", operation, roleClientID, roleName, err)
	}
	return nil
}

func (s *ClientsService) excludedClients(ctx context.Context, realm string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	if s.exclusions == nil {
		return out, nil
	}
	items, err := s.exclusions.ListServiceRoleExclusions(ctx, realm)
	if err != nil {
		return nil, fmt.Errorf("list service role exclusions: %w", err)
	}
	for _, item := range items {
		out[item.ClientID] = struct{}{}
	}
	return out, nil
}

func sortServiceRoles(items []ServiceRole) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].ClientID != items[j].ClientID {
			return items[i].ClientID < items[j].ClientID
		}
		return items[i].Role.Name < items[j].Role.Name
	})
}
