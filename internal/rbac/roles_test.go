package rbac

import (
	"testing"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

func TestIsSystemRole(t *testing.T) {
	tests := []struct {
		role model.UserRole
		want bool
	}{
		{model.UserRolePartner, true},
		{model.UserRoleAssociate, false},
		{model.UserRoleAuditor, false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsSystemRole(tt.role); got != tt.want {
			t.Errorf("IsSystemRole(%q) = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestHasToolPermission(t *testing.T) {
	tests := []struct {
		role model.UserRole
		tool string
		want bool
	}{
		// Partner bypasses all checks
		{model.UserRolePartner, "any_tool", true},
		{model.UserRolePartner, "delete_everything", true},

		// Associate: full working access including tabular/research tools
		{model.UserRoleAssociate, "list_documents", true},
		{model.UserRoleAssociate, "read_document", true},
		{model.UserRoleAssociate, "search_documents", true},
		{model.UserRoleAssociate, "query_rag", true},
		{model.UserRoleAssociate, "upload_document", true},
		{model.UserRoleAssociate, "delete_document", true},
		{model.UserRoleAssociate, ToolTabularQuery, true},
		{model.UserRoleAssociate, ToolResearchJob, true},

		// Auditor: read-only, no mutation or tool access
		{model.UserRoleAuditor, "list_documents", true},
		{model.UserRoleAuditor, "read_document", true},
		{model.UserRoleAuditor, "query_rag", true},
		{model.UserRoleAuditor, "upload_document", false},
		{model.UserRoleAuditor, "delete_document", false},
		{model.UserRoleAuditor, ToolTabularQuery, false},
		{model.UserRoleAuditor, ToolResearchJob, false},

		// Unknown role
		{"", "list_documents", false},
	}

	for _, tt := range tests {
		if got := HasToolPermission(tt.role, tt.tool); got != tt.want {
			t.Errorf("HasToolPermission(%q, %q) = %v, want %v", tt.role, tt.tool, got, tt.want)
		}
	}
}
