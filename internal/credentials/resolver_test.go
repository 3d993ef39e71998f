package credentials

import (
	"errors"
	"os"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "https", url: "https://cal.example.com/api", want: "cal.example.com"},
		{name: "with port", url: "http://localhost:8080", want: "localhost:8080"},
		{name: "no host", url: "/api", wantErr: true},
		{name: "invalid", url: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HostOf(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HostOf(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("HostOf(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	host := "roundtrip.example.com"

	if _, err := GetToken(host); !errors.Is(err, ErrNoToken) {
		t.Fatalf("GetToken() before Set error = %v, want ErrNoToken", err)
	}
	if err := SetToken(host, "secret"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	got, err := GetToken(host)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if got != "secret" {
		t.Errorf("GetToken() = %q, want %q", got, "secret")
	}
	if err := DeleteToken(host); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}
	if err := DeleteToken(host); !errors.Is(err, ErrNoToken) {
		t.Errorf("second DeleteToken() error = %v, want ErrNoToken", err)
	}
}

func TestSetToken_Validation(t *testing.T) {
	if err := SetToken("", "token"); err == nil {
		t.Error("Expected error for empty host")
	}
	if err := SetToken("example.com", ""); err == nil {
		t.Error("Expected error for empty token")
	}
}

func TestResolve_Priority(t *testing.T) {
	const serverURL = "https://priority.example.com/api"

	t.Setenv(TokenEnvVar, "")
	creds, err := Resolve(serverURL, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if creds.Source != SourceNone || creds.Token != "" {
		t.Errorf("Resolve() with nothing = %+v, want SourceNone", creds)
	}

	creds, _ = Resolve(serverURL, "from-config")
	if creds.Source != SourceConfig || creds.Token != "from-config" {
		t.Errorf("Resolve() = %+v, want config token", creds)
	}

	t.Setenv(TokenEnvVar, "from-env")
	creds, _ = Resolve(serverURL, "from-env")
	if creds.Source != SourceEnv || creds.Token != "from-env" {
		t.Errorf("Resolve() = %+v, want env token", creds)
	}

	if err := SetToken("priority.example.com", "from-keyring"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	defer DeleteToken("priority.example.com")

	creds, _ = Resolve(serverURL, "from-env")
	if creds.Source != SourceKeyring || creds.Token != "from-keyring" {
		t.Errorf("Resolve() = %+v, want keyring token", creds)
	}
	if creds.Host != "priority.example.com" {
		t.Errorf("Host = %q, want %q", creds.Host, "priority.example.com")
	}
}

func TestResolve_InvalidURL(t *testing.T) {
	if _, err := Resolve("not a url", ""); err == nil {
		t.Error("Expected error for URL without host")
	}
}
