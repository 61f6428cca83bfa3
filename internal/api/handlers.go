// Package api exposes the backend's REST surface: identity lookups for
// the calling user and admin-gated tenant listings. All handlers trust
// the identity headers injected by the gateway; the identity middleware
// has already turned those into a Principal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tenantbridge/tenantbridge/internal/authz"
	"github.com/tenantbridge/tenantbridge/internal/identity"
	"github.com/tenantbridge/tenantbridge/internal/store"
)

// Store is the read surface the API needs beyond authorization checks.
type Store interface {
	UserByExternalID(ctx context.Context, externalID string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	OrganizationByID(ctx context.Context, id int64) (store.Organization, error)
	OrganizationByExternalID(ctx context.Context, externalID string) (store.Organization, error)
	MembershipsForUser(ctx context.Context, userID int64) ([]store.MembershipDetail, error)
	MembersOfOrganization(ctx context.Context, orgID int64) ([]store.Member, error)
}

type Handlers struct {
	store Store
	authz *authz.Service
}

func New(s Store, a *authz.Service) *Handlers {
	return &Handlers{store: s, authz: a}
}

// Register mounts all API routes on the mux. The webhook endpoint is
// mounted separately because it bypasses identity middleware.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.health)
	mux.Handle("GET /api/me", identity.Require(http.HandlerFunc(h.me)))
	mux.Handle("GET /api/users", identity.Require(http.HandlerFunc(h.listUsers)))
	mux.Handle("PUT /api/users/role", identity.Require(http.HandlerFunc(h.updateRole)))
	mux.Handle("GET /api/organizations", identity.Require(http.HandlerFunc(h.listOrganizations)))
	// by-external sits under its own segment: ServeMux rejects
	// external/{externalID} as conflicting with {id}/members.
	mux.Handle("GET /api/organizations/by-external/{externalID}", identity.Require(http.HandlerFunc(h.organizationByExternalID)))
	mux.Handle("GET /api/organizations/{id}", identity.Require(http.HandlerFunc(h.organizationByID)))
	mux.Handle("GET /api/organizations/{id}/members", identity.Require(http.HandlerFunc(h.organizationMembers)))
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"externalId"`
	Email      string `json:"email"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:         u.ID,
		ExternalID: u.ExternalID,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		ImageURL:   u.ImageURL,
	}
}

type organizationResponse struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Slug       string `json:"slug,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

func toOrganizationResponse(o store.Organization) organizationResponse {
	return organizationResponse{
		ID:         o.ID,
		ExternalID: o.ExternalID,
		Name:       o.Name,
		Slug:       o.Slug,
		ImageURL:   o.ImageURL,
	}
}

type membershipResponse struct {
	Organization organizationResponse `json:"organization"`
	Role         string               `json:"role"`
}

// me returns the calling user's profile and memberships.
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	p := identity.FromContext(r.Context())

	user, err := h.store.UserByExternalID(r.Context(), p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		// Authenticated upstream but not yet synchronized locally.
		writeError(w, http.StatusNotFound, "user not synchronized")
		return
	}
	if err != nil {
		h.internalError(w, err, "load user")
		return
	}

	memberships, err := h.store.MembershipsForUser(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, err, "load memberships")
		return
	}

	resp := struct {
		userResponse
		Memberships []membershipResponse `json:"memberships"`
	}{
		userResponse: toUserResponse(user),
		Memberships:  make([]membershipResponse, 0, len(memberships)),
	}
	for _, m := range memberships {
		resp.Memberships = append(resp.Memberships, membershipResponse{
			Organization: organizationResponse{
				ID:         m.OrganizationID,
				ExternalID: m.OrganizationExternalID,
				Name:       m.OrganizationName,
			},
			Role: m.RoleName,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// listUsers returns all synchronized users. Admin-anywhere gated.
func (h *Handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	p := identity.FromContext(r.Context())

	admin, err := h.authz.IsAdminAnywhere(r.Context(), p.UserID)
	if err != nil {
		h.internalError(w, err, "authorization check")
		return
	}
	if !admin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.internalError(w, err, "list users")
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// listOrganizations returns the organizations the caller belongs to.
func (h *Handlers) listOrganizations(w http.ResponseWriter, r *http.Request) {
	p := identity.FromContext(r.Context())

	user, err := h.store.UserByExternalID(r.Context(), p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, []organizationResponse{})
		return
	}
	if err != nil {
		h.internalError(w, err, "load user")
		return
	}

	memberships, err := h.store.MembershipsForUser(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, err, "load memberships")
		return
	}

	resp := make([]organizationResponse, 0, len(memberships))
	for _, m := range memberships {
		resp = append(resp, organizationResponse{
			ID:         m.OrganizationID,
			ExternalID: m.OrganizationExternalID,
			Name:       m.OrganizationName,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) organizationByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid organization id")
		return
	}

	org, err := h.store.OrganizationByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "organization not found")
		return
	}
	if err != nil {
		h.internalError(w, err, "load organization")
		return
	}

	if !h.requireAccess(w, r, org.ExternalID) {
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationResponse(org))
}

func (h *Handlers) organizationByExternalID(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("externalID")

	org, err := h.store.OrganizationByExternalID(r.Context(), externalID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "organization not found")
		return
	}
	if err != nil {
		h.internalError(w, err, "load organization")
		return
	}

	if !h.requireAccess(w, r, org.ExternalID) {
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationResponse(org))
}

// organizationMembers returns the member list; restricted to org admins.
func (h *Handlers) organizationMembers(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid organization id")
		return
	}

	org, err := h.store.OrganizationByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "organization not found")
		return
	}
	if err != nil {
		h.internalError(w, err, "load organization")
		return
	}

	p := identity.FromContext(r.Context())
	admin, err := h.authz.IsAdmin(r.Context(), p.UserID, org.ExternalID)
	if err != nil {
		h.internalError(w, err, "authorization check")
		return
	}
	if !admin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	members, err := h.store.MembersOfOrganization(r.Context(), org.ID)
	if err != nil {
		h.internalError(w, err, "load members")
		return
	}

	type memberResponse struct {
		userResponse
		Role string `json:"role"`
	}
	resp := make([]memberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, memberResponse{
			userResponse: toUserResponse(m.User),
			Role:         m.RoleName,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateRoleRequest struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Role           string `json:"role"`
}

// updateRole sets another user's role in an organization the caller
// administers. Callers may not change their own role.
func (h *Handlers) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.OrganizationID == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "userId, organizationId and role are required")
		return
	}

	p := identity.FromContext(r.Context())
	if p.UserID == req.UserID {
		writeError(w, http.StatusForbidden, "cannot change your own role")
		return
	}

	admin, err := h.authz.IsAdmin(r.Context(), p.UserID, req.OrganizationID)
	if err != nil {
		h.internalError(w, err, "authorization check")
		return
	}
	if !admin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	outcome, err := h.authz.UpdateRole(r.Context(), req.UserID, req.OrganizationID, req.Role)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err, "update role")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": string(outcome)})
}

// requireAccess writes a 403 and returns false when the caller has no
// membership in the organization.
func (h *Handlers) requireAccess(w http.ResponseWriter, r *http.Request, orgExternalID string) bool {
	p := identity.FromContext(r.Context())
	ok, err := h.authz.HasAccess(r.Context(), p.UserID, orgExternalID)
	if err != nil {
		h.internalError(w, err, "authorization check")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member of this organization")
		return false
	}
	return true
}

func (h *Handlers) internalError(w http.ResponseWriter, err error, op string) {
	log.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
