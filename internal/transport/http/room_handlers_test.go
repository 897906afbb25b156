package http

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/wasta-market/wasta-chat/internal/proto"
	"github.com/wasta-market/wasta-chat/internal/store"
)

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, http.MethodPost, "/api/register", "", proto.RegisterRequest{
		Username: "rana", Password: "password123", DisplayName: "Rana K.", Role: "client",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	auth := decode[proto.AuthResponse](t, resp)
	if auth.Token == "" || auth.User.DisplayName != "Rana K." || auth.User.Role != "client" {
		t.Fatalf("unexpected auth response: %+v", auth)
	}

	resp = env.call(t, http.MethodPost, "/api/register", "", proto.RegisterRequest{Username: "rana", Password: "password123", Role: "client"})
	if resp.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", resp.Code)
	}

	resp = env.call(t, http.MethodPost, "/api/register", "", proto.RegisterRequest{Username: "boss", Password: "password123", Role: "admin"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for admin self-registration, got %d", resp.Code)
	}

	resp = env.call(t, http.MethodPost, "/api/login", "", proto.LoginRequest{Username: "rana", Password: "wrong"})
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", resp.Code)
	}

	resp = env.call(t, http.MethodPost, "/api/login", "", proto.LoginRequest{Username: "rana", Password: "password123"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	token := decode[proto.AuthResponse](t, resp).Token

	resp = env.call(t, http.MethodGet, "/api/me", token, nil)
	if resp.Code != http.StatusOK || decode[proto.User](t, resp).Username != "rana" {
		t.Fatalf("unexpected /api/me response: %d %s", resp.Code, resp.Body.String())
	}
}

func TestServices(t *testing.T) {
	env := newTestEnv(t)
	clientToken, _ := env.register(t, "rana", store.RoleClient)
	freelancerToken, freelancer := env.register(t, "karim", store.RoleFreelancer)

	resp := env.call(t, http.MethodPost, "/api/services", clientToken, proto.CreateServiceRequest{Title: "Logo"})
	if resp.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for client, got %d", resp.Code)
	}

	resp = env.call(t, http.MethodPost, "/api/services", freelancerToken, proto.CreateServiceRequest{Title: "Logo design"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	svc := decode[proto.Service](t, resp)
	if svc.FreelancerID != freelancer.ID {
		t.Errorf("expected owner %d, got %d", freelancer.ID, svc.FreelancerID)
	}

	resp = env.call(t, http.MethodGet, fmt.Sprintf("/api/services/%d", svc.ID), clientToken, nil)
	if resp.Code != http.StatusOK || decode[proto.Service](t, resp).Title != "Logo design" {
		t.Fatalf("unexpected service response: %d %s", resp.Code, resp.Body.String())
	}

	resp = env.call(t, http.MethodGet, "/api/services/999", clientToken, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.Code)
	}
}

func TestCreateRoom(t *testing.T) {
	env := newTestEnv(t)
	clientToken, client := env.register(t, "rana", store.RoleClient)
	freelancerToken, freelancer := env.register(t, "karim", store.RoleFreelancer)

	// Test 1: Create room with valid token
	resp := env.call(t, http.MethodPost, "/api/rooms", clientToken, proto.CreateRoomRequest{FreelancerID: freelancer.ID})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	room := decode[proto.Room](t, resp)
	if room.ClientID != client.ID || room.FreelancerID != freelancer.ID || room.ServiceID != nil {
		t.Errorf("unexpected room: %+v", room)
	}

	// Test 2: Same pair returns the same room
	resp = env.call(t, http.MethodPost, "/api/rooms", clientToken, proto.CreateRoomRequest{FreelancerID: freelancer.ID})
	if resp.Code != http.StatusCreated || decode[proto.Room](t, resp).ID != room.ID {
		t.Errorf("expected the existing room, got %d %s", resp.Code, resp.Body.String())
	}

	// Test 3: Without token
	resp = env.call(t, http.MethodPost, "/api/rooms", "", proto.CreateRoomRequest{FreelancerID: freelancer.ID})
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", resp.Code)
	}

	// Test 4: Freelancers cannot start conversations
	resp = env.call(t, http.MethodPost, "/api/rooms", freelancerToken, proto.CreateRoomRequest{FreelancerID: freelancer.ID})
	if resp.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", resp.Code)
	}

	// Test 5: Target must be a freelancer
	_, other := env.register(t, "sami", store.RoleClient)
	resp = env.call(t, http.MethodPost, "/api/rooms", clientToken, proto.CreateRoomRequest{FreelancerID: other.ID})
	if resp.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for a client target, got %d", resp.Code)
	}

	// Test 6: Unknown service
	missing := int64(404)
	resp = env.call(t, http.MethodPost, "/api/rooms", clientToken, proto.CreateRoomRequest{FreelancerID: freelancer.ID, ServiceID: &missing})
	if resp.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.Code)
	}
}

func TestRoomMessagesFlow(t *testing.T) {
	env := newTestEnv(t)
	clientToken, _ := env.register(t, "rana", store.RoleClient)
	freelancerToken, freelancer := env.register(t, "karim", store.RoleFreelancer)
	outsiderToken, _ := env.register(t, "sami", store.RoleClient)

	room := decode[proto.Room](t, env.call(t, http.MethodPost, "/api/rooms", clientToken, proto.CreateRoomRequest{FreelancerID: freelancer.ID}))
	base := fmt.Sprintf("/api/rooms/%d", room.ID)

	resp := env.call(t, http.MethodGet, base+"/messages/latest", clientToken, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for empty room, got %d", resp.Code)
	}

	for _, text := range []string{"marhaba", "kifak?"} {
		resp = env.call(t, http.MethodPost, base+"/messages", clientToken, proto.SendMessageRequest{Text: text})
		if resp.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
		}
	}

	resp = env.call(t, http.MethodGet, base+"/unread", freelancerToken, nil)
	if got := decode[proto.UnreadResponse](t, resp).Unread; got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}

	resp = env.call(t, http.MethodGet, base+"/messages?limit=1", freelancerToken, nil)
	page := decode[[]proto.Message](t, resp)
	if len(page) != 1 || page[0].Text != "kifak?" {
		t.Fatalf("unexpected page: %+v", page)
	}
	resp = env.call(t, http.MethodGet, fmt.Sprintf("%s/messages?limit=1&before=%d", base, page[0].ID), freelancerToken, nil)
	older := decode[[]proto.Message](t, resp)
	if len(older) != 1 || older[0].Text != "marhaba" {
		t.Fatalf("unexpected older page: %+v", older)
	}

	resp = env.call(t, http.MethodPost, base+"/read", freelancerToken, nil)
	if got := decode[proto.MarkReadResponse](t, resp).Updated; got != 2 {
		t.Fatalf("expected 2 updated, got %d", got)
	}

	resp = env.call(t, http.MethodGet, "/api/rooms", freelancerToken, nil)
	rooms := decode[[]proto.Room](t, resp)
	if len(rooms) != 1 || rooms[0].Client.DisplayName != "rana" {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}

	// Validation and access errors.
	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
	}{
		{"outsider list", http.MethodGet, base + "/messages", outsiderToken, nil, http.StatusForbidden},
		{"outsider send", http.MethodPost, base + "/messages", outsiderToken, proto.SendMessageRequest{Text: "hi"}, http.StatusForbidden},
		{"blank text", http.MethodPost, base + "/messages", clientToken, proto.SendMessageRequest{Text: "   "}, http.StatusBadRequest},
		{"unknown room", http.MethodGet, "/api/rooms/999/unread", clientToken, nil, http.StatusNotFound},
		{"bad room id", http.MethodGet, "/api/rooms/abc/unread", clientToken, nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, base + "/messages?limit=-1", clientToken, nil, http.StatusBadRequest},
		{"bad cursor", http.MethodGet, base + "/messages?before=x", clientToken, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.call(t, tc.method, tc.path, tc.token, tc.body)
			if resp.Code != tc.status {
				t.Errorf("expected status %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, http.MethodGet, "/health", "", nil)
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", resp.Code, resp.Body.String())
	}

	resp = env.call(t, http.MethodGet, "/metrics", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", resp.Code)
	}
}
