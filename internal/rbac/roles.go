package rbac

import "github.com/connexus-ai/ragbox-backend/internal/model"

// SystemRoles bypass tool permission checks entirely. Partners hold full
// access, matching the teacher's "system" role bypass.
var SystemRoles = map[model.UserRole]bool{
	model.UserRolePartner: true,
}

// IsSystemRole returns true if the role should bypass RBAC checks.
func IsSystemRole(role model.UserRole) bool {
	return SystemRoles[role]
}

// RolePermissions maps non-system roles to the tools they may invoke.
// Auditors are read-only: no document mutation, no tabular/research tool
// access, matching the teacher's "editor" vs "user" split generalized
// to this repo's three-role model (§3 User.Role).
var RolePermissions = map[model.UserRole][]string{
	model.UserRoleAssociate: {
		"list_documents", "read_document", "search_documents", "query_rag",
		"upload_document", "delete_document", "tabular_query", "research_job",
	},
	model.UserRoleAuditor: {
		"list_documents", "read_document", "search_documents", "query_rag",
	},
}

// Tool name constants for the conversational tool branches (§4.5, §4.6).
const (
	ToolTabularQuery = "tabular_query"
	ToolResearchJob  = "research_job"
)

// HasToolPermission checks if a role can use a specific tool.
func HasToolPermission(role model.UserRole, tool string) bool {
	if IsSystemRole(role) {
		return true
	}

	permissions, exists := RolePermissions[role]
	if !exists {
		return false
	}

	for _, permitted := range permissions {
		if permitted == tool {
			return true
		}
	}
	return false
}
