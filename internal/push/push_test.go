package push

import "testing"

func TestObjectPath(t *testing.T) {
	cases := []struct {
		appID string
		want  string
	}{
		{"mailer", "/com/ubuntu/Postal/mailer"},
		{"com.ubuntu.mail_mail_1.0", "/com/ubuntu/Postal/com_2eubuntu_2email"},
		{"my-app+x:y~z", "/com/ubuntu/Postal/my_2dapp_2bx_3ay_7ez"},
		{"_leading", "/com/ubuntu/Postal/"},
		{"", "/com/ubuntu/Postal/"},
	}
	for _, tc := range cases {
		if got := ObjectPath(tc.appID); string(got) != tc.want {
			t.Fatalf("ObjectPath(%q) = %q, want %q", tc.appID, got, tc.want)
		}
	}
}
