package main

import (
	orcaHand "orca_hand"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: sensor.API, Model: orcaHand.OrcaHandModel},
		resource.APIModel{API: discovery.API, Model: orcaHand.OrcaDiscoveryModel},
	)
}
