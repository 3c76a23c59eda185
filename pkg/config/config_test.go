package config

import "testing"

// TestValidate verifies cross-field checks reject out-of-range tuning.
func TestValidate(t *testing.T) {
	valid := &Config{
		FullLoadThreshold: 10,
		MailboxBatchCount: 5,
		WorkerPoolSize:    2,
		RetryMaxAttempts:  1,
		QueueDriver:       DriverChannel,
	}
	if err := Validate(valid); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	bad := *valid
	bad.FullLoadThreshold = 0
	if err := Validate(&bad); err == nil {
		t.Error("zero FullLoadThreshold accepted")
	}

	bad = *valid
	bad.QueueDriver = DriverKafka
	bad.KafkaBrokers = ""
	if err := Validate(&bad); err == nil {
		t.Error("kafka driver without brokers accepted")
	}
}

// TestValidateForProduction verifies production guards: in-memory transport
// and debug logging are rejected, and non-production is untouched.
func TestValidateForProduction(t *testing.T) {
	cfg := &Config{Environment: EnvProduction, QueueDriver: DriverChannel, LogLevel: "info"}
	if err := ValidateForProduction(cfg); err == nil {
		t.Error("channel driver accepted in production")
	}

	cfg = &Config{Environment: EnvProduction, QueueDriver: DriverPostgres, LogLevel: "debug"}
	if err := ValidateForProduction(cfg); err == nil {
		t.Error("debug logging accepted in production")
	}

	cfg = &Config{Environment: EnvDevelopment, QueueDriver: DriverChannel, LogLevel: "debug"}
	if err := ValidateForProduction(cfg); err != nil {
		t.Errorf("development config rejected: %v", err)
	}
}

// TestBrokers verifies the comma-separated broker list splits and trims.
func TestBrokers(t *testing.T) {
	cfg := &Config{KafkaBrokers: "b1:9092, b2:9092 ,,b3:9092"}
	got := cfg.Brokers()
	want := []string{"b1:9092", "b2:9092", "b3:9092"}
	if len(got) != len(want) {
		t.Fatalf("Brokers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Brokers()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
