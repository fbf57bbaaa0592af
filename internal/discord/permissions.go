package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user holds the control role
// before executing session-control slash commands.
type PermissionChecker struct {
	controlRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given role ID.
func NewPermissionChecker(controlRoleID string) *PermissionChecker {
	return &PermissionChecker{controlRoleID: controlRoleID}
}

// CanControl checks whether the interaction author may start or stop the
// companion. If no control role is configured, everyone may. Returns false
// if the interaction has no Member (e.g., DM channel interactions).
func (p *PermissionChecker) CanControl(i *discordgo.InteractionCreate) bool {
	if p.controlRoleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.controlRoleID)
}
