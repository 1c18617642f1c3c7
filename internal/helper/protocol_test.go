package helper

import "testing"

func TestRequestEncode(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"no auth", Request{HelperID: "h", AppID: "a", AccountID: 2},
			`{"helperId":"h","appId":"a","accountId":2}` + "\n"},
		{"empty auth kept", Request{HelperID: "h", AppID: "a", AccountID: 2, Auth: map[string]any{}},
			`{"helperId":"h","appId":"a","accountId":2,"auth":{}}` + "\n"},
		{"auth keys sorted, html not escaped", Request{HelperID: "h", AppID: "a<b>", AccountID: 2,
			Auth: map[string]any{"b": 1, "a": "x&y"}},
			`{"helperId":"h","appId":"a<b>","accountId":2,"auth":{"a":"x&y","b":1}}` + "\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.req.Encode()
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tc.want {
				t.Fatalf("got %q, want %q", b, tc.want)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	r, err := parseResponse([]byte(`{"error": {"code": "ERR_INVALID_AUTH", "message": "expired"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !r.InvalidAuth() || r.Error.Message != "expired" {
		t.Fatalf("response = %+v", r)
	}

	r, err = parseResponse([]byte(`{"error": {"code": "ERR_NETWORK"}, "notifications": [{"a": 1}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.InvalidAuth() || len(r.Notifications) != 1 {
		t.Fatalf("response = %+v", r)
	}

	r, err = parseResponse([]byte(`{"notifications": "oops", "error": "nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.Error != nil || len(r.Notifications) != 0 {
		t.Fatalf("lenient parse = %+v", r)
	}

	r, err = parseResponse([]byte(`{"notifications": [{"a": 1}, "text", 7, null, {"b": 2}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Notifications) != 2 || r.Ignored != 3 {
		t.Fatalf("mixed entries = %+v", r)
	}

	for _, doc := range []string{`[]`, `"str"`, `null`, `3`} {
		if _, err := parseResponse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", doc)
		}
	}
}
