package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:      "localhost:9000",
		AccessKey:     "a",
		SecretKey:     "b",
		Region:        "us-east-1",
		UseSSL:        false,
		BucketReports: "release-reports",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.BucketReports = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RELEASEGATE_MINIO_ENDPOINT", "minio:9000")
	t.Setenv("RELEASEGATE_MINIO_USE_SSL", "true")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "minio:9000" || !cfg.UseSSL {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.BucketReports != "release-reports" {
		t.Fatalf("BucketReports=%q", cfg.BucketReports)
	}
}

func TestNewMinIOClientRejectsInvalidConfig(t *testing.T) {
	if _, err := NewMinIOClient(Config{}); err == nil {
		t.Fatalf("NewMinIOClient() err=nil")
	}
}
