package validation

import (
	"strings"
	"testing"
)

func TestValidateCollection(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		wantErr    bool
	}{
		// Valid names
		{"simple", "units", false},
		{"underscore", "work_orders", false},
		{"digits", "bins2", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", 64), false},

		// Invalid names
		{"empty", "", true},
		{"too long", strings.Repeat("a", 65), true},
		{"uppercase", "Units", true},
		{"hyphen", "work-orders", true},
		{"traversal", "../auth", true},
		{"slash", "units/1", true},
		{"query", "units?x=1", true},
		{"space", "un its", true},
		{"newline", "units\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollection(tt.collection)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCollection(%q) error = %v, wantErr %v", tt.collection, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCollections(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		wantErr bool
	}{
		{"all valid", []string{"units", "sites", "products"}, false},
		{"one invalid", []string{"units", "bad!", "sites"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollections(tt.names)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCollections(%v) error = %v, wantErr %v", tt.names, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeCollection(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"passthrough", "units", "units", false},
		{"lowercased", "Units", "units", false},
		{"trimmed", "  units ", "units", false},
		{"invalid rejected", "bad!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeCollection(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeCollection(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeCollection(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateRecordID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"integer", "42", false},
		{"uuid", "3f2b8c1e-9a4d-4c2e-8f61-0d7c5b9e2a11", false},
		{"placeholder", "tmp-abc", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"slash", "1/2", true},
		{"backslash", `1\2`, true},
		{"control", "1\x00", true},
		{"too long", strings.Repeat("9", MaxRecordIDLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecordID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecordID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
