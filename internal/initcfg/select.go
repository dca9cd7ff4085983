package initcfg

import (
	"github.com/pgaofi/pgaofi/internal/amo"
	"github.com/pgaofi/pgaofi/internal/config"
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/mr"
)

// SelectMRMode picks the registration mode for a negotiated provider,
// honoring COMM_OFI_HINTS_MR_MODE when the operator has pinned one,
// otherwise falling back to mr.SelectMode's scalable-then-basic chain.
func SelectMRMode(cfg *config.Config, caps fabric.Capabilities) fabric.MRMode {
	for _, hint := range cfg.HintsMRMode {
		switch hint {
		case "FI_MR_SCALABLE":
			return fabric.MRScalable
		case "FI_MR_BASIC":
			return fabric.MRBasic
		}
	}
	mode, _ := mr.SelectMode(caps.ScalableEP && cfg.UseScalableEP, !caps.ScalableEP)
	return mode
}

// SelectMCMMode picks the MCM engine's operating mode from the negotiated
// provider's capabilities and the operator's delivery-complete preference
// (§4.6, §6's COMM_OFI_DO_DELIVERY_COMPLETE).
func SelectMCMMode(cfg *config.Config, caps fabric.Capabilities) mcm.Mode {
	if cfg.DoDeliveryComplete && caps.DeliveryComplete {
		return mcm.DeliveryComplete
	}
	return mcm.MessageOrder
}

// WarmAtomics runs the atomic-validity probe for every (type, op)
// combination the substrate uses, once, at init — so the first real AMO of
// any kind never pays a provider round trip (§4.4's validity cache).
func WarmAtomics(provider fabric.Provider, cache *amo.ValidityCache) {
	cache.WarmAll(provider)
}
