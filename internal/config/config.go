// Package config parses the COMM_OFI_* environment variables recognized by
// the substrate into a typed Config, once, at init time.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-tunable knob the substrate consumes.
type Config struct {
	Provider           string
	AbortOnError       bool
	UseScalableEP       bool
	DoDeliveryComplete bool
	Concurrency        int // 0 means "no cap"

	HintsCaps              []string
	HintsTxOpFlags         []string
	HintsRxOpFlags         []string
	HintsMsgOrder          []string
	HintsControlProgress   []string
	HintsDataProgress      []string
	HintsThreading         []string
	HintsMRMode            []string
	HintsCapsAtomic        []string

	Debug      bool
	DebugFname string
}

// Default returns the documented defaults (§6 of the comm-substrate spec):
// scalable endpoints and delivery-complete preference are both on unless
// overridden.
func Default() *Config {
	return &Config{
		UseScalableEP:       true,
		DoDeliveryComplete: true,
	}
}

// FromEnv parses the process environment into a Config, starting from
// Default() and overriding with whatever COMM_OFI_* variables are set.
func FromEnv() *Config {
	c := Default()

	if v, ok := lookup("COMM_OFI_PROVIDER"); ok {
		c.Provider = v
	}
	if v, ok := lookupBool("COMM_OFI_ABORT_ON_ERROR"); ok {
		c.AbortOnError = v
	}
	if v, ok := lookupBool("COMM_OFI_USE_SCALABLE_EP"); ok {
		c.UseScalableEP = v
	}
	if v, ok := lookupBool("COMM_OFI_DO_DELIVERY_COMPLETE"); ok {
		c.DoDeliveryComplete = v
	}
	if v, ok := lookup("COMM_OFI_COMM_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Concurrency = n
		}
	}
	c.HintsCaps = lookupList("COMM_OFI_HINTS_CAPS")
	c.HintsTxOpFlags = lookupList("COMM_OFI_HINTS_TX_OP_FLAGS")
	c.HintsRxOpFlags = lookupList("COMM_OFI_HINTS_RX_OP_FLAGS")
	c.HintsMsgOrder = lookupList("COMM_OFI_HINTS_MSG_ORDER")
	c.HintsControlProgress = lookupList("COMM_OFI_HINTS_CONTROL_PROGRESS")
	c.HintsDataProgress = lookupList("COMM_OFI_HINTS_DATA_PROGRESS")
	c.HintsThreading = lookupList("COMM_OFI_HINTS_THREADING")
	c.HintsMRMode = lookupList("COMM_OFI_HINTS_MR_MODE")
	c.HintsCapsAtomic = lookupList("COMM_OFI_HINTS_CAPS_ATOMIC")

	if v, ok := lookupBool("COMM_OFI_DEBUG"); ok {
		c.Debug = v
	}
	if v, ok := lookup("COMM_OFI_DEBUG_FNAME"); ok {
		c.DebugFname = v
	}

	return c
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupBool(name string) (bool, bool) {
	v, ok := lookup(name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func lookupList(name string) []string {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	parts := strings.Split(v, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
