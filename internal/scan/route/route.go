// Package route maps a viewer's role to the screen a resolved grant
// should open. The table is consumed by the navigation layer after
// resolution; it is not part of the resolution protocol itself.
package route

import "strings"

type Role string

const (
	RoleDoctor        Role = "doctor"
	RolePediatrician  Role = "pediatrician"
	RoleNurse         Role = "nurse"
	RoleParent        Role = "parent"
	RoleGuardian      Role = "guardian"
	RoleFacilityAdmin Role = "facility_admin"
)

// ForRole returns the path a user with the given role lands on for the
// patient. The second result is false for unknown roles.
func ForRole(role Role, patientID string) (string, bool) {
	switch role {
	case RoleDoctor, RolePediatrician:
		return "/patients/" + patientID, true
	case RoleNurse:
		return "/patients/" + patientID + "/vitals/record", true
	case RoleParent, RoleGuardian:
		return "/children/" + patientID, true
	case RoleFacilityAdmin:
		return "/admin/patients", true
	default:
		return "", false
	}
}

// Parse normalizes a role string from a token claim or request.
func Parse(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDoctor:
		return RoleDoctor, true
	case RolePediatrician:
		return RolePediatrician, true
	case RoleNurse:
		return RoleNurse, true
	case RoleParent:
		return RoleParent, true
	case RoleGuardian:
		return RoleGuardian, true
	case RoleFacilityAdmin:
		return RoleFacilityAdmin, true
	default:
		return "", false
	}
}
