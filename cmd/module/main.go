package main

import (
	"batteryprofiletest"

	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: batteryprofiletest.Controller},
		resource.APIModel{API: sensor.API, Model: batteryprofiletest.ProfileSensor},
		resource.APIModel{API: powersensor.API, Model: batteryprofiletest.SCPIPowerSupply},
	)
}
