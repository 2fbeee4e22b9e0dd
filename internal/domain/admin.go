package domain

import "strings"

// adminLocalParts are mailbox names that never belong to a human
// sender. A principal whose local part matches one of these, exactly
// or as a "name." / "name_" prefix, is excluded from sender pools.
var adminLocalParts = []string{
	"admin", "administrator", "postmaster", "abuse", "support",
	"noreply", "no-reply", "donotreply", "do-not-reply",
	"system", "automation", "bot", "test", "demo",
}

// IsAdminAddress reports whether an address looks administrative.
// The check is conservative: the delegation principal, role-style
// local parts, and role words inside the display name all match.
// False negatives send campaign mail from an admin mailbox, so err on
// the side of true.
func IsAdminAddress(email, displayName, adminEmail string) bool {
	if email == "" {
		return false
	}
	emailLower := strings.ToLower(email)

	if adminEmail != "" && emailLower == strings.ToLower(adminEmail) {
		return true
	}

	local := emailLower
	if i := strings.Index(emailLower, "@"); i >= 0 {
		local = emailLower[:i]
	}
	for _, pattern := range adminLocalParts {
		if local == pattern ||
			strings.HasPrefix(local, pattern+".") ||
			strings.HasPrefix(local, pattern+"_") {
			return true
		}
	}

	if displayName != "" {
		nameLower := strings.ToLower(displayName)
		for _, pattern := range adminLocalParts {
			if strings.Contains(nameLower, pattern) {
				return true
			}
		}
	}

	return false
}
