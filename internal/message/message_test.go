package message

import "testing"

func TestRoleConstants(t *testing.T) {
	if RoleUser == RoleAssistant {
		t.Fatal("RoleUser and RoleAssistant must differ")
	}
}
