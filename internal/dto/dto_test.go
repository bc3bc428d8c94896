package dto

import "testing"

func TestCreateSessionReqValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     CreateSessionReq
		wantErr bool
	}{
		{"valid claude", CreateSessionReq{Backend: BackendClaude, Cwd: "/tmp/repo"}, false},
		{"valid codex", CreateSessionReq{Backend: BackendCodex, Cwd: "/tmp/repo"}, false},
		{"missing backend", CreateSessionReq{Cwd: "/tmp/repo"}, true},
		{"unknown backend", CreateSessionReq{Backend: "gemini", Cwd: "/tmp/repo"}, true},
		{"missing cwd", CreateSessionReq{Backend: BackendClaude}, true},
		{"invalid branch chars", CreateSessionReq{Backend: BackendClaude, Cwd: "/tmp/repo", Branch: "feat; rm -rf /"}, true},
		{"valid branch", CreateSessionReq{Backend: BackendClaude, Cwd: "/tmp/repo", Branch: "feature/foo-1.2"}, false},
		{"port too low", CreateSessionReq{Backend: BackendClaude, Cwd: "/tmp/repo", Ports: []int{0}}, true},
		{"port too high", CreateSessionReq{Backend: BackendClaude, Cwd: "/tmp/repo", Ports: []int{70000}}, true},
		{"port in range", CreateSessionReq{Backend: BackendClaude, Cwd: "/tmp/repo", Ports: []int{8080}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.req.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestRenameReqValidate(t *testing.T) {
	if err := (&RenameReq{Name: ""}).Validate(); err == nil {
		t.Error("expected error for empty name")
	}
	if err := (&RenameReq{Name: "session-1"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAPIErrorStatusAndCode(t *testing.T) {
	cases := []struct {
		name       string
		err        *APIError
		wantStatus int
		wantCode   ErrorCode
	}{
		{"bad request", BadRequest("x"), 400, CodeBadRequest},
		{"unauthorized", Unauthorized("x"), 401, CodeUnauthorized},
		{"forbidden", Forbidden("x"), 403, CodeForbidden},
		{"not found", NotFound("session"), 404, CodeNotFound},
		{"conflict", Conflict("x"), 409, CodeConflict},
		{"backend unavailable", BackendUnavailable("x"), 503, CodeBackendUnavailable},
		{"timeout", TimeoutError("x"), 504, CodeTimeout},
		{"internal", InternalError("x"), 500, CodeInternalError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.err.StatusCode() != c.wantStatus {
				t.Errorf("StatusCode() = %d, want %d", c.err.StatusCode(), c.wantStatus)
			}
			if c.err.Code() != c.wantCode {
				t.Errorf("Code() = %s, want %s", c.err.Code(), c.wantCode)
			}
		})
	}
}

func TestAPIErrorForbiddenDistinctFromUnauthorized(t *testing.T) {
	if Forbidden("x").Code() == Unauthorized("x").Code() {
		t.Error("expected Forbidden and Unauthorized to carry distinct error codes")
	}
}

func TestAPIErrorWrapAndDetail(t *testing.T) {
	base := BadRequest("invalid field").WithDetail("field", "cwd")
	if base.Details()["field"] != "cwd" {
		t.Errorf("expected detail to be set, got %v", base.Details())
	}

	wrapped := InternalError("boom").Wrap(NotFound("session"))
	if wrapped.Error() != "boom: session not found" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestToResponse(t *testing.T) {
	err := NotFound("session").WithDetail("id", "s1")
	resp := ToResponse(err)
	if resp.Error.Code != CodeNotFound {
		t.Errorf("Error.Code = %s, want %s", resp.Error.Code, CodeNotFound)
	}
	if resp.Error.Message != "session not found" {
		t.Errorf("Error.Message = %q", resp.Error.Message)
	}
	if resp.Details["id"] != "s1" {
		t.Errorf("Details = %v", resp.Details)
	}
}
