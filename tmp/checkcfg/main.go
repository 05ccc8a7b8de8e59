package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/server"
)

func main() {
	workspace := "/tmp/propline-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	e := engine.New(conn, config.Default())
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token := signToken(jwtSecret, "tester", []string{"CollegeCommittee"})

	view := post(ts.URL+"/v0/proposals", token, map[string]any{
		"title":           "Smoke test proposal",
		"submitting_unit": "Smoke Unit",
	})
	proposal := view["proposal"].(map[string]any)
	id := proposal["id"].(string)
	fmt.Printf("submitted %s\n", id)

	rec := post(ts.URL+"/v0/proposals/"+id+"/endorsements", token, map[string]any{
		"stage_ordinal": 1,
		"issuer_role":   "CollegeCommittee",
		"decision":      "approved",
	})
	fmt.Printf("endorsed: %v\n", rec)
}

func post(url, token string, body map[string]any) map[string]any {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp map[string]any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d\n", res.StatusCode)
	return resp
}

func signToken(secret, actorID string, roles []string) string {
	claims := jwt.MapClaims{
		"sub":   actorID,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}
