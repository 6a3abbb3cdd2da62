package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"casepilot/internal/domain"
)

func testUnit() *domain.DocumentUnit {
	return &domain.DocumentUnit{
		Index:  0,
		Name:   "login/overview.png",
		Format: "png",
		Data:   []byte("fake-png-bytes"),
	}
}

// newTestGateway points a gateway at srv and records backoff sleeps instead
// of performing them.
func newTestGateway(srv *httptest.Server, retryCount int, sleeps *[]time.Duration) *AIGateway {
	g := NewAIGateway(&GatewayConfig{
		Model:          "glm-4v",
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		MaxDocSize:     1 << 20,
		RetryCount:     retryCount,
		RetryBaseDelay: 5 * time.Second,
		BackoffFactor:  2.0,
		AttemptTimeout: 5 * time.Second,
	})
	g.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return g
}

func writeChatContent(w http.ResponseWriter, content string) {
	body := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

const validCasesJSON = `{"cases":[{"module":"登录","name":"正常登录","level":"P1","precondition":"已注册账号","steps":["打开登录页","输入账号密码","点击登录"],"expected":"跳转到首页"}]}`

func TestAnalyzeRetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeChatContent(w, validCasesJSON)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	g := newTestGateway(srv, 3, &sleeps)

	result, err := g.Analyze(context.Background(), testUnit())
	if err != nil {
		t.Fatalf("Analyze() error = %v, want success on third attempt", err)
	}
	if calls != 3 {
		t.Errorf("server calls = %d, want 3", calls)
	}
	// Delay before attempt k is base * factor^(k-2): 5s then 10s.
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("backoff sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
	if len(result.Cases) != 1 || result.Cases[0].Name != "正常登录" {
		t.Errorf("unexpected result cases: %+v", result.Cases)
	}
}

func TestAnalyzeRetriesExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	g := newTestGateway(srv, 3, &sleeps)

	_, err := g.Analyze(context.Background(), testUnit())
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("Analyze() error = %v, want *AnalysisError", err)
	}
	if ae.Kind != domain.ErrKindRetriesExhausted {
		t.Errorf("error kind = %s, want %s", ae.Kind, domain.ErrKindRetriesExhausted)
	}
	if calls != 3 {
		t.Errorf("server calls = %d, want exactly 3 attempts", calls)
	}
	if len(sleeps) != 2 {
		t.Errorf("backoff sleeps = %v, want 2 entries", sleeps)
	}
}

func TestAnalyzeFatalDoesNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"auth_error"}}`)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	g := newTestGateway(srv, 3, &sleeps)

	_, err := g.Analyze(context.Background(), testUnit())
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("Analyze() error = %v, want *AnalysisError", err)
	}
	if ae.Kind != domain.ErrKindFatal {
		t.Errorf("error kind = %s, want %s", ae.Kind, domain.ErrKindFatal)
	}
	if calls != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on fatal)", calls)
	}
	if len(sleeps) != 0 {
		t.Errorf("backoff sleeps = %v, want none", sleeps)
	}
}

func TestAnalyzeSchemaInvalidIsFatal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeChatContent(w, "这张图片展示了一个登录页面。")
	}))
	defer srv.Close()

	var sleeps []time.Duration
	g := newTestGateway(srv, 3, &sleeps)

	_, err := g.Analyze(context.Background(), testUnit())
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("Analyze() error = %v, want *AnalysisError", err)
	}
	if ae.Kind != domain.ErrKindSchemaInvalid {
		t.Errorf("error kind = %s, want %s", ae.Kind, domain.ErrKindSchemaInvalid)
	}
	if calls != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on schema failure)", calls)
	}
}

func TestAnalyzePayloadTooLarge(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	var sleeps []time.Duration
	g := newTestGateway(srv, 3, &sleeps)
	g.maxDocSize = 8

	unit := testUnit()
	unit.Data = []byte("more than eight bytes")

	_, err := g.Analyze(context.Background(), unit)
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("Analyze() error = %v, want *AnalysisError", err)
	}
	if ae.Kind != domain.ErrKindPayloadTooLarge {
		t.Errorf("error kind = %s, want %s", ae.Kind, domain.ErrKindPayloadTooLarge)
	}
	if calls != 0 {
		t.Errorf("server calls = %d, want 0 (size checked before sending)", calls)
	}
}

func TestParseAnalysisContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		wantLen int
	}{
		{
			name:    "plain json",
			content: validCasesJSON,
			wantLen: 1,
		},
		{
			name:    "fenced json",
			content: "```json\n" + validCasesJSON + "\n```",
			wantLen: 1,
		},
		{
			name:    "empty case list",
			content: `{"cases":[]}`,
			wantLen: 0,
		},
		{
			name:    "not json",
			content: "抱歉，我无法识别这张图片。",
			wantErr: true,
		},
		{
			name:    "missing cases field",
			content: `{"result":"ok"}`,
			wantErr: true,
		},
		{
			name:    "case without name",
			content: `{"cases":[{"module":"登录","name":"","level":"P1"}]}`,
			wantErr: true,
		},
		{
			name:    "unknown level",
			content: `{"cases":[{"module":"登录","name":"正常登录","level":"P9"}]}`,
			wantErr: true,
		},
		{
			name:    "level omitted is allowed",
			content: `{"cases":[{"module":"登录","name":"正常登录"}]}`,
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseAnalysisContent(tt.content)
			if tt.wantErr {
				var ae *AnalysisError
				if !errors.As(err, &ae) || ae.Kind != domain.ErrKindSchemaInvalid {
					t.Fatalf("parseAnalysisContent() error = %v, want schema_invalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnalysisContent() error = %v", err)
			}
			if len(result.Cases) != tt.wantLen {
				t.Errorf("cases = %d, want %d", len(result.Cases), tt.wantLen)
			}
		})
	}
}
