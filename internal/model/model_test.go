package model

import (
	"net/http"
	"testing"
	"time"
)

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		method string
		want   Permission
	}{
		{http.MethodGet, PermRead},
		{http.MethodHead, PermRead},
		{http.MethodOptions, PermRead},
		{http.MethodPost, PermWrite},
		{http.MethodPut, PermWrite},
		{http.MethodPatch, PermWrite},
		{http.MethodDelete, PermDelete},
		{"PROPFIND", PermRead},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := RequiredPermission(tt.method); got != tt.want {
				t.Errorf("RequiredPermission(%s) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestHasPermissionIsExact(t *testing.T) {
	k := &APIKey{Permissions: []Permission{PermRead, PermAdmin}}
	if !k.HasPermission(PermRead) {
		t.Error("expected read to be granted")
	}
	if k.HasPermission(PermWrite) {
		t.Error("admin must not imply write")
	}
}

func TestGraceEndedBoundary(t *testing.T) {
	end := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	k := &APIKey{Status: KeyRotating, GracePeriodEndsAt: &end}

	if k.GraceEnded(end.Add(-time.Second)) {
		t.Error("grace should still be running one second before the end")
	}
	if !k.GraceEnded(end) {
		t.Error("grace should be over at the exact end instant")
	}
	if !k.GraceEnded(end.Add(time.Second)) {
		t.Error("grace should be over one second after the end")
	}

	k.Status = KeyActive
	if k.GraceEnded(end.Add(time.Hour)) {
		t.Error("only rotating keys have a grace period")
	}
}

func TestUserLocked(t *testing.T) {
	now := time.Now()
	until := now.Add(time.Minute)
	u := &User{LockedUntil: &until}
	if !u.Locked(now) {
		t.Error("expected user to be locked")
	}
	if u.Locked(until.Add(time.Second)) {
		t.Error("expected lock to have lapsed")
	}
}

func TestSessionPermissions(t *testing.T) {
	if got := RoleReadOnly.SessionPermissions(); len(got) != 1 || got[0] != PermRead {
		t.Errorf("readonly permissions = %v, want [read]", got)
	}
	if got := RoleDeveloper.SessionPermissions(); len(got) != 2 {
		t.Errorf("developer permissions = %v, want [read write]", got)
	}
}

func TestNewListResponsePages(t *testing.T) {
	lr := NewListResponse([]string{}, 45, 2, 20)
	if lr.Pages != 3 {
		t.Errorf("Pages = %d, want 3", lr.Pages)
	}
	if lr := NewListResponse(nil, 0, 1, 0); lr.Pages != 0 {
		t.Errorf("Pages with zero page size = %d, want 0", lr.Pages)
	}
}
