package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errSessionNotFound() *DomainError {
	return domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
}

func errSessionEnded() *DomainError {
	return domainError(http.StatusGone, "SESSION_ENDED", "Session has ended", nil)
}

func errNotHost() *DomainError {
	return domainError(http.StatusForbidden, "NOT_HOST", "Only the session host may do this", nil)
}

func errInviteNotFound() *DomainError {
	return domainError(http.StatusNotFound, "INVITE_NOT_FOUND", "Invite not found", nil)
}

func errInviteExpired() *DomainError {
	return domainError(http.StatusGone, "INVITE_EXPIRED", "Invite has expired", nil)
}

func errInvitePassword() *DomainError {
	return domainError(http.StatusForbidden, "INVITE_PASSWORD", "Wrong invite password", nil)
}
