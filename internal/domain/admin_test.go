package domain

import "testing"

func TestIsAdminAddress(t *testing.T) {
	const adminEmail = "boss@corp.example"

	tests := []struct {
		name        string
		email       string
		displayName string
		want        bool
	}{
		{"plain user", "jane@corp.example", "Jane Doe", false},
		{"empty email", "", "Administrator", false},
		{"delegation principal", "boss@corp.example", "", true},
		{"delegation principal case insensitive", "Boss@Corp.Example", "", true},
		{"exact role local part", "admin@corp.example", "", true},
		{"postmaster", "postmaster@corp.example", "", true},
		{"dot suffix", "support.team@corp.example", "", true},
		{"underscore suffix", "noreply_eu@corp.example", "", true},
		{"role word embedded is not a role", "administrative@corp.example", "", false},
		{"supportive is not support", "supportive@corp.example", "", false},
		{"hyphen role", "no-reply@corp.example", "", true},
		{"role in display name", "jane@corp.example", "Jane the Administrator", true},
		{"bot in display name", "jane@corp.example", "Robot Overlord", true},
		{"uppercase local part", "ADMIN@corp.example", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsAdminAddress(tt.email, tt.displayName, adminEmail)
			if got != tt.want {
				t.Errorf("IsAdminAddress(%q, %q) = %v, want %v",
					tt.email, tt.displayName, got, tt.want)
			}
		})
	}
}
