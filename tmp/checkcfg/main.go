package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/cqframework/cql-studio-sub002/internal/app"
	"github.com/cqframework/cql-studio-sub002/internal/server"
	"github.com/cqframework/cql-studio-sub002/internal/translator"
)

func main() {
	workspace := "/tmp/cqlstudio-check2"
	st, err := app.Resolve(app.Options{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer st.Close()

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"library":{"identifier":{"id":"Check","version":"0.1.0"}}}`)
	}))
	defer stub.Close()
	st.Session.Translator = translator.New(stub.URL)

	jwtSecret := "test-secret"
	h, err := server.New(server.Config{App: st, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	token := devLogin(ts.URL)

	body := map[string]any{
		"name":        "Smoke Check",
		"version":     "0.1.0",
		"description": "manual end-to-end check",
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/guidelines", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("create status=%d resp=%v\n", res.StatusCode, resp)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res2.Body.Close()
	var sess any
	_ = json.NewDecoder(res2.Body).Decode(&sess)
	fmt.Printf("session status=%d resp=%v\n", res2.StatusCode, sess)
}

func devLogin(baseURL string) string {
	b, _ := json.Marshal(map[string]any{"subject": "tester"})
	res, err := http.Post(baseURL+"/v1/auth/dev/login", "application/json", bytes.NewReader(b))
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		panic(err)
	}
	return out.Token
}
