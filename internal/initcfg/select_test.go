package initcfg

import (
	"testing"

	"github.com/pgaofi/pgaofi/internal/config"
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mcm"
)

func TestSelectMRModeHonorsExplicitHint(t *testing.T) {
	cfg := &config.Config{HintsMRMode: []string{"FI_MR_BASIC"}, UseScalableEP: true}
	caps := fabric.Capabilities{ScalableEP: true}
	if got := SelectMRMode(cfg, caps); got != fabric.MRBasic {
		t.Fatalf("SelectMRMode with FI_MR_BASIC hint = %v, want MRBasic", got)
	}
}

func TestSelectMRModeFallsBackToScalableChain(t *testing.T) {
	cfg := &config.Config{UseScalableEP: true}
	caps := fabric.Capabilities{ScalableEP: true}
	if got := SelectMRMode(cfg, caps); got != fabric.MRScalable {
		t.Fatalf("SelectMRMode with no hint, scalable-capable provider = %v, want MRScalable", got)
	}

	capsNoScalable := fabric.Capabilities{ScalableEP: false}
	if got := SelectMRMode(cfg, capsNoScalable); got != fabric.MRBasic {
		t.Fatalf("SelectMRMode with no hint, non-scalable provider = %v, want MRBasic", got)
	}
}

func TestSelectMCMModePrefersDeliveryCompleteWhenBothAgree(t *testing.T) {
	cfg := &config.Config{DoDeliveryComplete: true}
	caps := fabric.Capabilities{DeliveryComplete: true}
	if got := SelectMCMMode(cfg, caps); got != mcm.DeliveryComplete {
		t.Fatalf("SelectMCMMode = %v, want DeliveryComplete", got)
	}
}

func TestSelectMCMModeFallsBackToMessageOrder(t *testing.T) {
	cases := []struct {
		name string
		cfg  *config.Config
		caps fabric.Capabilities
	}{
		{"operator declines delivery-complete", &config.Config{DoDeliveryComplete: false}, fabric.Capabilities{DeliveryComplete: true}},
		{"provider doesn't support it", &config.Config{DoDeliveryComplete: true}, fabric.Capabilities{DeliveryComplete: false}},
	}
	for _, c := range cases {
		if got := SelectMCMMode(c.cfg, c.caps); got != mcm.MessageOrder {
			t.Errorf("%s: SelectMCMMode = %v, want MessageOrder", c.name, got)
		}
	}
}
