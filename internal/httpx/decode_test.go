package httpx

import (
	"net/http/httptest"
	"strings"
	"testing"
)

type decodeTarget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
		want    decodeTarget
	}{
		{
			name: "valid body",
			body: `{"name": "primary", "count": 3}`,
			want: decodeTarget{Name: "primary", Count: 3},
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: "request body is empty",
		},
		{
			name:    "malformed JSON",
			body:    `{"name": `,
			wantErr: "failed to decode JSON",
		},
		{
			name:    "wrong field type",
			body:    `{"count": "three"}`,
			wantErr: `invalid value for field "count"`,
		},
		{
			name:    "unknown field",
			body:    `{"name": "x", "extra": true}`,
			wantErr: "failed to decode JSON",
		},
		{
			name:    "trailing object",
			body:    `{"name": "x"}{"name": "y"}`,
			wantErr: "multiple JSON objects",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))

			got, err := DecodeJSON[decodeTarget](req)

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeJSON() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeJSON() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	big := `{"name": "` + strings.Repeat("x", MaxRequestBodySize) + `"}`
	req := httptest.NewRequest("POST", "/", strings.NewReader(big))

	_, err := DecodeJSON[decodeTarget](req)
	if err == nil {
		t.Fatal("expected error for oversized body")
	}
	if !strings.Contains(err.Error(), "request body too large") {
		t.Errorf("error = %q, want body-too-large", err.Error())
	}
}
