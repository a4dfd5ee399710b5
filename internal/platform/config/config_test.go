package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func requiredEnv() map[string]string {
	return map[string]string{
		"API_PAYMENTS_LEDGER_BASE_URL": "https://ledger.example.com/api",
		"API_PAYMENTS_BANK_CODE":       "MB",
		"API_PAYMENTS_ACCOUNT_NUMBER":  "0123456789",
	}
}

func withEnv(overrides map[string]string) map[string]string {
	env := requiredEnv()
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(requiredEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("expected memory driver by default, got %s", cfg.Store.Driver)
	}
	if cfg.Shop.Currency != "VND" {
		t.Errorf("expected default currency VND, got %s", cfg.Shop.Currency)
	}
	if cfg.Payments.Gateway != "banktransfer" {
		t.Errorf("expected banktransfer gateway, got %s", cfg.Payments.Gateway)
	}
	if cfg.Payments.QueryTimeout != defaultQueryTimeout {
		t.Errorf("unexpected query timeout %s", cfg.Payments.QueryTimeout)
	}
	if cfg.Payments.QRImageTemplate != defaultQRImageTemplate {
		t.Errorf("unexpected qr template %s", cfg.Payments.QRImageTemplate)
	}
	if cfg.Cache.RedisAddr != "" {
		t.Errorf("expected cache disabled by default, got %s", cfg.Cache.RedisAddr)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.GuestHeader != "X-Guest-ID" {
		t.Errorf("unexpected guest header %s", cfg.Security.GuestHeader)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatch {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := withEnv(map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_IDLE_TIMEOUT":          "2m",
		"API_FIREBASE_PROJECT_ID":          "qrshop-prod",
		"API_STORE_DRIVER":                 "Postgres",
		"API_STORE_POSTGRES_URL":           "secret://db/url",
		"API_CACHE_REDIS_ADDR":             "localhost:6379",
		"API_CACHE_REDIS_PASSWORD":         "sm://redis/password",
		"API_CACHE_REDIS_DB":               "2",
		"API_CACHE_REFERENCE_TTL":          "10m",
		"API_SHOP_CURRENCY":                "vnd",
		"API_SHOP_SHIPPING_FLAT_FEE":       "30000",
		"API_SHOP_FREE_SHIPPING_THRESHOLD": "500000",
		"API_PAYMENTS_LEDGER_API_KEY":      "secret://ledger/key",
		"API_PAYMENTS_ACCOUNT_NAME":        "QR SHOP",
		"API_PAYMENTS_QUERY_TIMEOUT":       "3s",
		"API_PAYMENTS_POLL_INTERVAL":       "5s",
		"API_EVENTS_PUBSUB_TOPIC":          "shop-events",
		"API_STORAGE_INVOICE_BUCKET":       "invoices-prod",
		"API_SECURITY_ENVIRONMENT":         "PROD",
		"API_SECURITY_OIDC_AUDIENCES":      "prod=https://api.example.com,stg=https://stg.example.com",
		"API_IDEMPOTENCY_TTL":              "48h",
	})
	secrets := map[string]string{
		"secret://db/url":         "postgres://shop:pw@db/shop",
		"secret://redis/password": "redis-pw",
		"secret://ledger/key":     "ledger-key",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Store.Driver != StoreDriverPostgres || cfg.Store.PostgresURL != "postgres://shop:pw@db/shop" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Cache.RedisPassword != "redis-pw" || cfg.Cache.RedisDB != 2 || cfg.Cache.ReferenceTTL != 10*time.Minute {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Shop.Currency != "VND" || cfg.Shop.ShippingFlatFee != 30000 || cfg.Shop.FreeShippingThreshold != 500000 {
		t.Errorf("unexpected shop config %+v", cfg.Shop)
	}
	if cfg.Payments.LedgerAPIKey != "ledger-key" {
		t.Errorf("expected resolved ledger key, got %s", cfg.Payments.LedgerAPIKey)
	}
	if cfg.Payments.QueryTimeout != 3*time.Second || cfg.Payments.PollInterval != 5*time.Second {
		t.Errorf("unexpected payment timings %+v", cfg.Payments)
	}
	if cfg.Firestore.ProjectID != "qrshop-prod" || cfg.Events.ProjectID != "qrshop-prod" {
		t.Errorf("expected project ids to default to firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.Events.ProjectID)
	}
	if cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("expected audience selected by environment, got %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\n" +
		"export API_PAYMENTS_LEDGER_BASE_URL=https://ledger.local\n" +
		"API_PAYMENTS_BANK_CODE='VCB'\n" +
		"API_PAYMENTS_ACCOUNT_NUMBER=\"99887766\"\n" +
		"# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Payments.BankCode != "VCB" || cfg.Payments.AccountNumber != "99887766" {
		t.Errorf("expected quoted dotenv values to be unwrapped, got %+v", cfg.Payments)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	fields := map[string]bool{}
	for _, f := range validation.Fields() {
		fields[f] = true
	}
	for _, want := range []string{"Payments.LedgerBaseURL", "Payments.BankCode", "Payments.AccountNumber"} {
		if !fields[want] {
			t.Errorf("expected %s to be reported, got %v", want, validation.Fields())
		}
	}
}

func TestLoadValidatesStoreDriver(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown":           {"API_STORE_DRIVER": "mysql"},
		"postgres no url":   {"API_STORE_DRIVER": "postgres"},
		"firestore project": {"API_STORE_DRIVER": "firestore"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), WithEnvMap(withEnv(overrides)), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := withEnv(map[string]string{"API_PAYMENTS_LEDGER_API_KEY": "secret://missing"})

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(requiredEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Payments.LedgerAPIKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("Payments.LedgerAPIKey") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		missing, ok := recover().(*MissingSecretsError)
		if !ok {
			t.Fatal("expected MissingSecretsError panic")
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Payments.LedgerAPIKey" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	_, _ = Load(context.Background(),
		WithEnvMap(requiredEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Payments.LedgerAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}
