package utils

import (
	"os"
	"testing"
)

func TestJwtRoundTrip(t *testing.T) {
	os.Setenv("TOKEN_HOUR_LIFESPAN", "1")
	defer os.Unsetenv("TOKEN_HOUR_LIFESPAN")

	token, err := JwtGenerate("biz-1", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	parsed, err := JwtValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Valid {
		t.Fatal("generated token does not validate")
	}
	claims, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok {
		t.Fatalf("claims type = %T", parsed.Claims)
	}
	if claims.BusinessId != "biz-1" || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestJwtGenerateRequiresLifespan(t *testing.T) {
	os.Unsetenv("TOKEN_HOUR_LIFESPAN")
	if _, err := JwtGenerate("biz-1", "admin"); err == nil {
		t.Fatal("missing lifespan accepted")
	}
}
