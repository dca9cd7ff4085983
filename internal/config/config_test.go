package config

import "testing"

func TestDefaultHasDocumentedDefaults(t *testing.T) {
	c := Default()
	if !c.UseScalableEP {
		t.Error("UseScalableEP should default true")
	}
	if !c.DoDeliveryComplete {
		t.Error("DoDeliveryComplete should default true")
	}
	if c.Concurrency != 0 {
		t.Error("Concurrency should default to 0 (no cap)")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COMM_OFI_PROVIDER", "verbs")
	t.Setenv("COMM_OFI_USE_SCALABLE_EP", "false")
	t.Setenv("COMM_OFI_HINTS_MSG_ORDER", "SAS|WAW|RAW")

	c := FromEnv()
	if c.Provider != "verbs" {
		t.Errorf("Provider = %q, want verbs", c.Provider)
	}
	if c.UseScalableEP {
		t.Error("UseScalableEP should be false after override")
	}
	if len(c.HintsMsgOrder) != 3 || c.HintsMsgOrder[0] != "SAS" {
		t.Errorf("HintsMsgOrder = %v", c.HintsMsgOrder)
	}
}

func TestLookupBoolLenient(t *testing.T) {
	cases := map[string]bool{"1": true, "true": true, "Yes": true, "on": true, "0": false, "false": false, "No": false, "off": false}
	for raw, want := range cases {
		t.Setenv("COMM_OFI_ABORT_ON_ERROR", raw)
		c := FromEnv()
		if c.AbortOnError != want {
			t.Errorf("raw=%q: AbortOnError = %v, want %v", raw, c.AbortOnError, want)
		}
	}
}

func TestUnsetEnvLeavesDefaults(t *testing.T) {
	c := FromEnv()
	if c.Provider != "" {
		t.Errorf("Provider should be empty by default, got %q", c.Provider)
	}
}
